// Package status holds the latest poll outcome for every device and fans
// snapshots of it out to live subscribers.
package status

import (
	"sync"

	"modbus-gateway/internal/model"
)

// Snapshot maps device name to its latest status.
type Snapshot map[string]model.DeviceStatus

// Store is the live status map. Each Set replaces the device's entry whole.
type Store struct {
	mu   sync.RWMutex
	byID map[string]model.DeviceStatus
}

func NewStore() *Store {
	return &Store{byID: make(map[string]model.DeviceStatus)}
}

func (s *Store) Set(name string, st model.DeviceStatus) {
	s.mu.Lock()
	s.byID[name] = st
	s.mu.Unlock()
}

func (s *Store) Get(name string) (model.DeviceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[name]
	return st, ok
}

func (s *Store) Delete(name string) {
	s.mu.Lock()
	delete(s.byID, name)
	s.mu.Unlock()
}

// Retain drops every entry whose name is not in names.
func (s *Store) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	s.mu.Lock()
	for name := range s.byID {
		if _, ok := keep[name]; !ok {
			delete(s.byID, name)
		}
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the map. Value maps inside a status are never
// mutated after Set, so they are shared.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.byID))
	for k, v := range s.byID {
		out[k] = v
	}
	return out
}

// Online counts devices whose latest poll succeeded.
func (s *Store) Online() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.byID {
		if st.Online() {
			n++
		}
	}
	return n
}
