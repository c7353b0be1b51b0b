package breaker

import (
	"context"
	"sync"
)

// MemoryStore keeps breaker state in process. Each actor key has its
// own lock, so writers for different actors never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(actorID string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.entries[actorID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[actorID]; ok {
		return e
	}
	e = &memoryEntry{}
	s.entries[actorID] = e
	return e
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, actorID string, fn func(*State) error) error {
	e := s.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	working := e.state
	if err := fn(&working); err != nil {
		// Denials abort the update; partial mutations are discarded.
		return err
	}
	e.state = working
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, actorID string) (State, error) {
	e := s.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}
