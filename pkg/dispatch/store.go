package dispatch

import (
	"maps"
	"sync"
)

// Store owns the configuration replayed into every fresh unit. Readers get
// copies, so a snapshot never changes after it was taken.
type Store struct {
	mu      sync.RWMutex
	snap    map[string]any
	version uint64
}

func NewStore(initial map[string]any) *Store {
	return &Store{snap: maps.Clone(initial)}
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.snap)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Version increases on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Set(key string, v any) {
	s.mu.Lock()
	if s.snap == nil {
		s.snap = make(map[string]any)
	}
	s.snap[key] = v
	s.version++
	s.mu.Unlock()
}

// Replace swaps the whole configuration.
func (s *Store) Replace(m map[string]any) {
	s.mu.Lock()
	s.snap = maps.Clone(m)
	s.version++
	s.mu.Unlock()
}
