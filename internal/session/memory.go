package session

import (
	"context"
	"sync"
)

// MemoryStore keeps every conversation in process memory for the lifetime
// of the store. With MaxTurns unset it neither trims history nor limits the
// number of sessions.
type MemoryStore struct {
	MaxTurns int

	mu            sync.RWMutex
	conversations map[string][]Turn
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		MaxTurns:      maxTurns,
		conversations: make(map[string][]Turn),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id string) ([]Turn, error) {
	s.mu.RLock()
	turns, found := s.conversations[id]
	s.mu.RUnlock()
	if found {
		return clone(turns), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if turns, ok := s.conversations[id]; ok {
		return clone(turns), nil
	}
	s.conversations[id] = []Turn{}
	return []Turn{}, nil
}

func (s *MemoryStore) Append(_ context.Context, id string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = window(append(s.conversations[id], turns...), s.MaxTurns)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *MemoryStore) Close() error {
	return nil
}
