package syncer

import (
	"sync"

	"jamsync/internal/crdt"
)

// Listener is notified after the projection changed. keys is nil when the
// whole projection was replaced.
type Listener func(state crdt.Snapshot, keys []string)

// Store is the local reactive projection of the shared document that UI
// code reads from.
type Store struct {
	mu        sync.RWMutex
	state     crdt.Snapshot
	version   uint64
	listeners []Listener
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: crdt.Snapshot{}}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// Get returns the projected subtree under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// Snapshot returns the current projection.
func (s *Store) Snapshot() crdt.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Replace swaps in the whole document state.
func (s *Store) Replace(state crdt.Snapshot) {
	s.install(0, state, nil)
}

// ReplaceKeys copies only the given top-level subtrees from state.
func (s *Store) ReplaceKeys(state crdt.Snapshot, keys []string) {
	if len(keys) == 0 {
		return
	}
	s.install(0, state, keys)
}

// install projects state, or only its keys when keys is non-nil. A non-zero
// version orders projections of one replica: an older version than the one
// installed is dropped, and a version that skips ahead replaces the whole
// state, since the skipped projections are covered by it.
func (s *Store) install(version uint64, state crdt.Snapshot, keys []string) {
	s.mu.Lock()
	if version != 0 {
		if version <= s.version {
			s.mu.Unlock()
			return
		}
		if version != s.version+1 {
			keys = nil
		}
		s.version = version
	}
	next := state
	if keys != nil {
		next = make(crdt.Snapshot, len(s.state)+len(keys))
		for k, v := range s.state {
			next[k] = v
		}
		for _, k := range keys {
			if v, ok := state[k]; ok {
				next[k] = v
			} else {
				delete(next, k)
			}
		}
	}
	s.state = next
	listeners := s.active()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(next, keys)
	}
}

func (s *Store) active() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out
}
