package fallback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(now time.Time, ttl time.Duration, xs string) *Entry {
	return &Entry{
		Headers:   map[string]string{"x-s": xs, "x-t": "1700000000000", "x-s-common": "common"},
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemoryStoreGetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	_, ok, err := s.Get(ctx, "fp", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "fp", entryAt(now, time.Minute, "v1")))

	got, ok, err := s.Get(ctx, "fp", now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", got.Headers["x-s"])

	// Refresh replaces the entry.
	require.NoError(t, s.Put(ctx, "fp", entryAt(now.Add(time.Second), time.Minute, "v2")))
	got, ok, _ = s.Get(ctx, "fp", now.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "v2", got.Headers["x-s"])
}

func TestMemoryStoreNeverReturnsExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, "fp", entryAt(now, time.Minute, "v1")))

	_, ok, err := s.Get(ctx, "fp", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "entry is expired exactly at ExpiresAt")

	_, ok, _ = s.Get(ctx, "fp", now.Add(time.Hour))
	assert.False(t, ok)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	e := entryAt(now, time.Minute, "orig")
	require.NoError(t, s.Put(ctx, "fp", e))
	e.Headers["x-s"] = "mutated-after-put"

	got, ok, _ := s.Get(ctx, "fp", now)
	require.True(t, ok)
	assert.Equal(t, "orig", got.Headers["x-s"])

	got.Headers["x-s"] = "mutated-after-get"
	again, _, _ := s.Get(ctx, "fp", now)
	assert.Equal(t, "orig", again.Headers["x-s"])
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, "short", entryAt(now, time.Second, "a")))
	require.NoError(t, s.Put(ctx, "long", entryAt(now, time.Hour, "b")))

	assert.Equal(t, 1, s.Sweep(now.Add(time.Minute)))

	_, ok, _ := s.Get(ctx, "long", now.Add(time.Minute))
	assert.True(t, ok)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("fp-%d", i%4)
			for j := 0; j < 100; j++ {
				_ = s.Put(ctx, key, entryAt(now, time.Minute, fmt.Sprintf("%d-%d", i, j)))
				got, ok, err := s.Get(ctx, key, now)
				if err != nil || !ok || got.Headers["x-s"] == "" {
					t.Errorf("reader saw a partial entry: ok=%v err=%v", ok, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
