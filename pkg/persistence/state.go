package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/devlink-protocol/devlink-go/pkg/cert"
)

// StateVersion is the current version of the registry file format.
const StateVersion = 1

// ErrUnknownDevice is returned by Forget for an unrecorded device.
var ErrUnknownDevice = errors.New("unknown device")

// DeviceRegistry is the persisted set of known devices.
type DeviceRegistry struct {
	// Version is the file format version.
	Version int `json:"version"`

	// SavedAt is when the registry was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Devices is sorted by device ID.
	Devices []DeviceRecord `json:"devices,omitempty"`
}

// DeviceRecord describes one peer device.
type DeviceRecord struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	// Fingerprint is the SHA-1 fingerprint of the last certificate seen.
	// Empty for transports without certificates.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Transport and LastAddress describe the most recent link.
	Transport   string `json:"transport,omitempty"`
	LastAddress string `json:"last_address,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Lookup returns the record for deviceID.
func (r *DeviceRegistry) Lookup(deviceID string) (DeviceRecord, bool) {
	i, found := r.index(deviceID)
	if !found {
		return DeviceRecord{}, false
	}
	return r.Devices[i], true
}

func (r *DeviceRegistry) index(deviceID string) (int, bool) {
	return slices.BinarySearchFunc(r.Devices, deviceID, func(d DeviceRecord, id string) int {
		return strings.Compare(d.DeviceID, id)
	})
}

// upsert merges rec into the registry, keeping the original FirstSeenAt.
func (r *DeviceRegistry) upsert(rec DeviceRecord) {
	i, found := r.index(rec.DeviceID)
	if found {
		rec.FirstSeenAt = r.Devices[i].FirstSeenAt
		r.Devices[i] = rec
		return
	}
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = rec.LastSeenAt
	}
	r.Devices = slices.Insert(r.Devices, i, rec)
}

// RegistryStore manages persistence of the device registry to a JSON file.
type RegistryStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewRegistryStore creates a store backed by path.
func NewRegistryStore(path string) *RegistryStore {
	return &RegistryStore{path: path, now: time.Now}
}

// Save persists the registry to disk.
func (s *RegistryStore) Save(reg *DeviceRegistry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(reg)
}

func (s *RegistryStore) save(reg *DeviceRegistry) error {
	reg.Version = StateVersion
	reg.SavedAt = s.now()

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return cert.WriteFileAtomic(s.path, data)
}

// Load reads the registry from disk. A missing file yields an empty
// registry.
func (s *RegistryStore) Load() (*DeviceRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *RegistryStore) load() (*DeviceRegistry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &DeviceRegistry{Version: StateVersion}, nil
	}
	if err != nil {
		return nil, err
	}

	reg := &DeviceRegistry{}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, err
	}
	slices.SortFunc(reg.Devices, func(a, b DeviceRecord) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return reg, nil
}

// Touch records a link with rec.DeviceID, stamping LastSeenAt.
func (s *RegistryStore) Touch(rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}
	rec.LastSeenAt = s.now()
	reg.upsert(rec)
	return s.save(reg)
}

// Forget removes deviceID from the registry.
func (s *RegistryStore) Forget(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}
	i, found := reg.index(deviceID)
	if !found {
		return ErrUnknownDevice
	}
	reg.Devices = slices.Delete(reg.Devices, i, i+1)
	return s.save(reg)
}

// Clear removes the registry file.
func (s *RegistryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
