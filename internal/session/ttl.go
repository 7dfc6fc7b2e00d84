package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLStore expires conversations that have been idle for longer than the
// configured TTL. Reads and writes both count as activity.
type TTLStore struct {
	MaxTurns int

	mu    sync.Mutex
	cache *ttlcache.Cache[string, []Turn]
}

// NewTTLStore starts a store whose sessions expire after ttl of inactivity.
// capacity <= 0 leaves the number of sessions unbounded. onExpire, if
// non-nil, is called for sessions dropped by expiry or capacity pressure.
func NewTTLStore(ttl time.Duration, capacity uint64, maxTurns int, onExpire func(id string)) *TTLStore {
	opts := []ttlcache.Option[string, []Turn]{
		ttlcache.WithTTL[string, []Turn](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []Turn](capacity))
	}
	cache := ttlcache.New(opts...)
	if onExpire != nil {
		cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, []Turn]) {
			if reason == ttlcache.EvictionReasonExpired || reason == ttlcache.EvictionReasonCapacityReached {
				onExpire(item.Key())
			}
		})
	}

	go cache.Start()

	return &TTLStore{MaxTurns: maxTurns, cache: cache}
}

func (s *TTLStore) GetOrCreate(_ context.Context, id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.cache.Get(id); item != nil {
		return clone(item.Value()), nil
	}
	s.cache.Set(id, []Turn{}, ttlcache.DefaultTTL)
	return []Turn{}, nil
}

func (s *TTLStore) Append(_ context.Context, id string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing []Turn
	if item := s.cache.Get(id); item != nil {
		existing = item.Value()
	} else if !restarts(turns) {
		return ErrSessionGone
	}
	s.cache.Set(id, window(append(existing, turns...), s.MaxTurns), ttlcache.DefaultTTL)
	return nil
}

func (s *TTLStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(id)
	return nil
}

func (s *TTLStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop and drops all sessions.
func (s *TTLStore) Close() error {
	s.cache.Stop()
	s.cache.DeleteAll()
	return nil
}
