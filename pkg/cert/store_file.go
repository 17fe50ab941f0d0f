package cert

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// peerCertFile is the certificate file name inside a peer's directory.
const peerCertFile = "certificate.pem"

// FileStore is a file-based implementation of the Store interface.
// Each peer has a directory named after its device ID holding its
// certificate:
//
//	<baseDir>/<deviceID>/certificate.pem
//
// Writes go straight to disk; there is no separate Save step.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file store rooted at baseDir. The directory is
// created on the first Set.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Get reads the certificate for deviceID.
func (s *FileStore) Get(deviceID string) (*Certificate, error) {
	path, err := s.certPath(deviceID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := ReadCertFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCertNotFound
	}
	if err != nil {
		return nil, err
	}
	return New(c, nil)
}

// Set writes c to its device's directory.
func (s *FileStore) Set(c *Certificate) error {
	if c == nil {
		return ErrInvalidCert
	}
	id, err := c.DeviceID()
	if err != nil {
		return err
	}
	path, err := s.certPath(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return WriteCertFile(path, c.X509())
}

// Remove deletes the directory for deviceID.
func (s *FileStore) Remove(deviceID string) error {
	path, err := s.certPath(deviceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrCertNotFound
	}
	return os.RemoveAll(filepath.Dir(path))
}

// List returns the device IDs that have a stored certificate.
func (s *FileStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), peerCertFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	return ids
}

// certPath maps a device ID to its certificate file, rejecting IDs that
// would escape baseDir.
func (s *FileStore) certPath(deviceID string) (string, error) {
	if deviceID == "" || deviceID == "." || deviceID == ".." ||
		strings.ContainsAny(deviceID, `/\`) {
		return "", fmt.Errorf("%w: unusable device id %q", ErrInvalidCert, deviceID)
	}
	return filepath.Join(s.baseDir, deviceID, peerCertFile), nil
}

// Verify FileStore implements Store.
var _ Store = (*FileStore)(nil)
