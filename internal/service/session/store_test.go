package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, time.Hour, 16)
	t.Cleanup(func() {
		s.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return s, mr
}

func waitForKey(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.Exists(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %s never written", key)
}

func TestSaveAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sess := domain.ActiveSession{
		SessionID:    "sess-1",
		StartedAt:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		RequestBody:  []byte(`{"model":"claude-3-opus"}`),
		ResponseBody: []byte(`{"ok":true}`),
		Status:       "completed",
		ProviderID:   4,
	}
	require.NoError(t, s.Save(ctx, sess))
	waitForKey(t, mr, "session:sess-1")

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, int64(4), got.ProviderID)
	assert.Equal(t, sess.RequestBody, got.RequestBody)

	ttl := mr.TTL("session:sess-1")
	assert.Equal(t, time.Hour, ttl)
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSave_EmptySessionID(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Save(context.Background(), domain.ActiveSession{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLastProvider(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, ok := s.LastProvider(ctx, "sess-2")
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, domain.ActiveSession{SessionID: "sess-2", ProviderID: 9}))
	waitForKey(t, mr, "session:sess-2")

	pid, ok := s.LastProvider(ctx, "sess-2")
	assert.True(t, ok)
	assert.Equal(t, int64(9), pid)

	// A capture without a provider is not sticky.
	require.NoError(t, s.Save(ctx, domain.ActiveSession{SessionID: "sess-3"}))
	waitForKey(t, mr, "session:sess-3")
	_, ok = s.LastProvider(ctx, "sess-3")
	assert.False(t, ok)
}

func TestClose_DrainsQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	s := New(rdb, time.Hour, 64)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Save(ctx, domain.ActiveSession{SessionID: "drain-" + string(rune('a'+i))}))
	}
	s.Close()

	for i := 0; i < 20; i++ {
		assert.True(t, mr.Exists("session:drain-"+string(rune('a'+i))))
	}
}

func TestClose_RacingSaves(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	s := New(rdb, time.Hour, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Save(ctx, domain.ActiveSession{SessionID: fmt.Sprintf("race-%d-%d", g, i)})
			}
		}(g)
	}
	s.Close()
	wg.Wait()

	err = s.Save(ctx, domain.ActiveSession{SessionID: "late"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store closed")
}
