package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/promptrelay/internal/db"
)

func sqliteStore(t *testing.T, maxTurns int) *SQLiteStore {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/sessions.db")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { database.Close() })
	return &SQLiteStore{DB: database, MaxTurns: maxTurns}
}

func newStores(t *testing.T, maxTurns int) map[string]Store {
	t.Helper()
	lruStore, err := NewLRUStore(16, maxTurns, nil)
	require.NoError(t, err)
	ttlStore := NewTTLStore(time.Hour, 16, maxTurns, nil)
	t.Cleanup(func() { ttlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(maxTurns),
		"lru":    lruStore,
		"ttl":    ttlStore,
		"sqlite": sqliteStore(t, maxTurns),
	}
}

func TestStore_GetOrCreateStartsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			turns, err := s.GetOrCreate(ctx, "fresh")
			require.NoError(t, err)
			assert.NotNil(t, turns)
			assert.Empty(t, turns)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestStore_AppendKeepsOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "p1"}, Turn{Role: RoleAssistant, Content: "r1"}))
			require.NoError(t, s.Append(ctx, "b", Turn{Role: RoleUser, Content: "other"}))
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "p2"}, Turn{Role: RoleAssistant, Content: "r2"}))

			turns, err := s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []Turn{
				{Role: RoleUser, Content: "p1"},
				{Role: RoleAssistant, Content: "r1"},
				{Role: RoleUser, Content: "p2"},
				{Role: RoleAssistant, Content: "r2"},
			}, turns)
		})
	}
}

func TestStore_GetOrCreateReturnsCopy(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "first"}))

			turns, err := s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			turns[0].Content = "mutated"

			again, err := s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "first", again[0].Content)
		})
	}
}

func TestStore_MaxTurnsWindow(t *testing.T) {
	ctx := context.Background()
	// An odd window would cut r2 away from p2; the window starts on p3.
	for _, maxTurns := range []int{2, 3} {
		for name, s := range newStores(t, maxTurns) {
			t.Run(fmt.Sprintf("%s/max=%d", name, maxTurns), func(t *testing.T) {
				for i := 1; i <= 3; i++ {
					require.NoError(t, s.Append(ctx, "a",
						Turn{Role: RoleUser, Content: fmt.Sprintf("p%d", i)},
						Turn{Role: RoleAssistant, Content: fmt.Sprintf("r%d", i)},
					))
				}
				turns, err := s.GetOrCreate(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, []Turn{
					{Role: RoleUser, Content: "p3"},
					{Role: RoleAssistant, Content: "r3"},
				}, turns)
			})
		}
	}
}

func TestWindow_StartsOnUserTurn(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "p1"},
		{Role: RoleAssistant, Content: "r1"},
		{Role: RoleUser, Content: "p2"},
		{Role: RoleAssistant, Content: "r2"},
		{Role: RoleUser, Content: "p3"},
	}
	assert.Equal(t, turns, window(turns, 0))
	assert.Equal(t, turns[2:], window(turns, 3))
	assert.Equal(t, turns[2:], window(turns, 4))
	assert.Equal(t, turns[4:], window(turns, 1))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "hi"}))
			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "never-existed"))
			assert.Equal(t, 0, s.Len())

			turns, err := s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, turns)
		})
	}
}

func TestLRUStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	s, err := NewLRUStore(2, 0, func(id string) { evicted = append(evicted, id) })
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "1"}))
	require.NoError(t, s.Append(ctx, "b", Turn{Role: RoleUser, Content: "2"}))
	_, err = s.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "c", Turn{Role: RoleUser, Content: "3"}))

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, s.Len())

	turns, err := s.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestLRUStore_DeleteIsNotEviction(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	s, err := NewLRUStore(4, 0, func(id string) { evicted = append(evicted, id) })
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "1"}))
	require.NoError(t, s.Append(ctx, "b", Turn{Role: RoleUser, Content: "2"}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Close())

	assert.Empty(t, evicted)
	assert.Equal(t, 0, s.Len())
}

func TestBoundedStores_ReplyDoesNotRecreateDroppedSession(t *testing.T) {
	ctx := context.Background()
	lruStore, err := NewLRUStore(1, 0, nil)
	require.NoError(t, err)
	ttlStore := NewTTLStore(time.Hour, 1, 0, nil)
	t.Cleanup(func() { ttlStore.Close() })

	for name, s := range map[string]Store{"lru": lruStore, "ttl": ttlStore} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "p1"}))
			// b takes the only slot, pushing a out.
			require.NoError(t, s.Append(ctx, "b", Turn{Role: RoleUser, Content: "other"}))

			err := s.Append(ctx, "a", Turn{Role: RoleAssistant, Content: "r1"})
			require.ErrorIs(t, err, ErrSessionGone)

			turns, err := s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, turns)

			// A fresh prompt may start the session again.
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "p2"}))
			require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleAssistant, Content: "r2"}))
			turns, err = s.GetOrCreate(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []Turn{
				{Role: RoleUser, Content: "p2"},
				{Role: RoleAssistant, Content: "r2"},
			}, turns)
		})
	}
}

func TestNewLRUStore_InvalidSize(t *testing.T) {
	_, err := NewLRUStore(0, 0, nil)
	require.Error(t, err)
}

func TestTTLStore_ExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	expired := make(chan string, 1)
	s := NewTTLStore(50*time.Millisecond, 0, 0, func(id string) { expired <- id })
	defer s.Close()

	require.NoError(t, s.Append(ctx, "idle", Turn{Role: RoleUser, Content: "hi"}))

	select {
	case id := <-expired:
		assert.Equal(t, "idle", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}

	turns, err := s.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/persist.db"

	first, err := db.OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(first))
	s := &SQLiteStore{DB: first}
	require.NoError(t, s.Append(ctx, "a", Turn{Role: RoleUser, Content: "remember me"}))
	require.NoError(t, first.Close())

	second, err := db.OpenDB(path)
	require.NoError(t, err)
	defer second.Close()
	s = &SQLiteStore{DB: second}

	turns, err := s.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []Turn{{Role: RoleUser, Content: "remember me"}}, turns)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())

	relock := k.Lock("a")
	relock()
}
