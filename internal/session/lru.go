package session

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUStore bounds the number of live sessions. When full, the least recently
// used conversation is dropped to make room.
type LRUStore struct {
	MaxTurns int

	// mu makes read-modify-write on a conversation atomic; the cache itself
	// is already safe for single calls.
	mu    sync.Mutex
	cache *lru.Cache[string, []Turn]
	// removing is set while Delete or Close drop entries so the eviction
	// callback only reports capacity evictions. Guarded by mu.
	removing bool
	onEvict  func(id string)
}

// NewLRUStore creates a store holding at most maxSessions conversations.
// onEvict, if non-nil, is called with the ID of every evicted session.
func NewLRUStore(maxSessions, maxTurns int, onEvict func(id string)) (*LRUStore, error) {
	s := &LRUStore{MaxTurns: maxTurns, onEvict: onEvict}
	cache, err := lru.NewWithEvict[string, []Turn](maxSessions, s.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU session cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// evicted runs synchronously inside cache calls, with mu already held.
func (s *LRUStore) evicted(id string, _ []Turn) {
	if s.removing || s.onEvict == nil {
		return
	}
	s.onEvict(id)
}

func (s *LRUStore) GetOrCreate(_ context.Context, id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turns, ok := s.cache.Get(id); ok {
		return clone(turns), nil
	}
	s.cache.Add(id, []Turn{})
	return []Turn{}, nil
}

func (s *LRUStore) Append(_ context.Context, id string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cache.Get(id)
	if !ok && !restarts(turns) {
		return ErrSessionGone
	}
	s.cache.Add(id, window(append(existing, turns...), s.MaxTurns))
	return nil
}

func (s *LRUStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.cache.Remove(id)
	s.removing = false
	return nil
}

func (s *LRUStore) Len() int {
	return s.cache.Len()
}

func (s *LRUStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.cache.Purge()
	s.removing = false
	return nil
}
