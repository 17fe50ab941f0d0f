package mux

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MaxTombstones bounds how many locally closed channels are remembered.
// The oldest tombstone is dropped first.
const MaxTombstones = 64

// registry maps channel identifiers to their state.
//
// Removal only unlinks a state; handles obtained from lookup stay valid.
// Channels closed locally leave a tombstone so frames the peer sent before
// seeing our Close can be discarded instead of treated as protocol errors.
type registry struct {
	mu         sync.RWMutex
	states     map[uuid.UUID]*channelState
	tombstones map[uuid.UUID]struct{}
	// buriedOrder holds the tombstoned identifiers, oldest first.
	buriedOrder []uuid.UUID
}

func newRegistry() *registry {
	return &registry{
		states:     make(map[uuid.UUID]*channelState),
		tombstones: make(map[uuid.UUID]struct{}),
	}
}

// insert registers s. It returns false if the identifier is already in use.
func (r *registry) insert(s *channelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[s.id]; exists {
		return false
	}
	r.states[s.id] = s
	r.unbury(s.id)
	return true
}

// lookup returns the state for id.
func (r *registry) lookup(id uuid.UUID) (*channelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[id]
	return s, ok
}

// contains reports whether id is registered.
func (r *registry) contains(id uuid.UUID) bool {
	_, ok := r.lookup(id)
	return ok
}

// remove unlinks the state for id.
func (r *registry) remove(id uuid.UUID) (*channelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if ok {
		delete(r.states, id)
	}
	return s, ok
}

// removeLocal unlinks s if it is still the registered state for its
// identifier and leaves a tombstone for it.
func (r *registry) removeLocal(s *channelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.states[s.id]; !ok || cur != s {
		return false
	}
	delete(r.states, s.id)
	r.bury(s.id)
	return true
}

// bury records a tombstone for id, evicting the oldest past MaxTombstones.
// Callers hold mu.
func (r *registry) bury(id uuid.UUID) {
	if _, ok := r.tombstones[id]; ok {
		return
	}
	r.tombstones[id] = struct{}{}
	r.buriedOrder = append(r.buriedOrder, id)
	for len(r.buriedOrder) > MaxTombstones {
		delete(r.tombstones, r.buriedOrder[0])
		r.buriedOrder = r.buriedOrder[1:]
	}
}

// unbury drops the tombstone for id. Callers hold mu.
func (r *registry) unbury(id uuid.UUID) {
	if _, ok := r.tombstones[id]; !ok {
		return
	}
	delete(r.tombstones, id)
	r.buriedOrder = slices.DeleteFunc(r.buriedOrder, func(b uuid.UUID) bool { return b == id })
}

// buried reports whether id was closed locally and not reopened since.
func (r *registry) buried(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tombstones[id]
	return ok
}

// forget drops the tombstone for id once the peer has closed it too.
func (r *registry) forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbury(id)
}

// drain unlinks and returns every registered state.
func (r *registry) drain() []*channelState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]*channelState, 0, len(r.states))
	for id, s := range r.states {
		states = append(states, s)
		delete(r.states, id)
	}
	return states
}

// ids returns the registered identifiers.
func (r *registry) ids() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	return ids
}

// len returns the number of registered channels.
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
