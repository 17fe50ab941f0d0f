package cert

import (
	"errors"
)

// Store errors.
var (
	ErrCertNotFound = errors.New("certificate not found")
)

// Store keeps the certificates of trusted peers, keyed by device ID.
// Implementations must be safe for concurrent access.
type Store interface {
	// Get returns the certificate for deviceID.
	// Returns ErrCertNotFound if no certificate is stored.
	Get(deviceID string) (*Certificate, error)

	// Set stores c under its device ID, replacing any previous certificate.
	Set(c *Certificate) error

	// Remove forgets the certificate for deviceID.
	// Returns ErrCertNotFound if no certificate is stored.
	Remove(deviceID string) error

	// List returns the device IDs of all stored certificates.
	List() []string
}
