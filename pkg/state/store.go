// Package state holds the session-scoped key/value view of what the display
// app has reported. Values are JSON scalars or objects; the last write for a
// key wins.
package state

import (
	"encoding/json"
	"sync"
)

// Store is a last-write-wins map guarded by an RWMutex.
// Merge is the only writer; Get and Snapshot may be called from any goroutine.
type Store struct {
	mu      sync.RWMutex
	data    map[string]any
	version uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]any)}
}

// Merge applies every key/value pair of m in a single critical section.
// Readers observe either the state before the merge or after it.
func (s *Store) Merge(m map[string]any) {
	if len(m) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range m {
		s.data[k] = clone(v)
	}
	s.version++
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Snapshot returns a deep copy of the full mapping.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = clone(v)
	}
	return out
}

// Version increments once per non-empty merge.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// MarshalJSON encodes a snapshot.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// clone copies nested objects and arrays so callers never share
// mutable structure with the store.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = clone(vv)
		}
		return out
	default:
		return v
	}
}
