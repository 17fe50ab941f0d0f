package cert

import (
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
// This is primarily useful for testing and short-lived sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewMemoryStore creates a new in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		certs: make(map[string]*Certificate),
	}
}

// Get returns the certificate for deviceID.
func (s *MemoryStore) Get(deviceID string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.certs[deviceID]
	if !exists {
		return nil, ErrCertNotFound
	}
	return c, nil
}

// Set stores c under its device ID.
func (s *MemoryStore) Set(c *Certificate) error {
	if c == nil {
		return ErrInvalidCert
	}
	id, err := c.DeviceID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.certs[id] = c
	return nil
}

// Remove forgets the certificate for deviceID.
func (s *MemoryStore) Remove(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[deviceID]; !exists {
		return ErrCertNotFound
	}
	delete(s.certs, deviceID)
	return nil
}

// List returns the device IDs of all stored certificates.
func (s *MemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.certs))
	for id := range s.certs {
		ids = append(ids, id)
	}
	return ids
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
