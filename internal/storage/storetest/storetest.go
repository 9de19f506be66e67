// Package storetest is a behavioural suite every storage.Store must pass.
package storetest

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin-lite/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"SaveAndGet", testSaveAndGet},
		{"GetMissing", testGetMissing},
		{"SaveDuplicate", testSaveDuplicate},
		{"IncrementViews", testIncrementViews},
		{"IncrementViewsMissing", testIncrementViewsMissing},
		{"IncrementViewsConcurrent", testIncrementViewsConcurrent},
		{"IncrementViewsUnlimited", testIncrementViewsUnlimited},
		{"LargeLimits", testLargeLimits},
		{"DeleteExpired", testDeleteExpired},
		{"Ping", testPing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func uniqueID(t *testing.T, suffix string) string {
	// Network-backed stores share state across runs.
	return suffix + "-" + time.Now().UTC().Format("150405.000000000")
}

func testSaveAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	id := uniqueID(t, "full")
	p := &storage.Paste{
		ID:         id,
		Content:    "hello\nworld",
		CreatedAt:  now,
		TTLSeconds: 60,
		ExpiresAt:  now.Add(time.Minute),
		MaxViews:   3,
	}
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "hello\nworld", got.Content)
	assert.True(t, now.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, now)
	assert.True(t, now.Add(time.Minute).Equal(got.ExpiresAt), "expires_at %v", got.ExpiresAt)
	assert.Equal(t, 60, got.TTLSeconds)
	assert.Equal(t, 3, got.MaxViews)
	assert.Equal(t, 0, got.ViewCount)

	bare := &storage.Paste{ID: uniqueID(t, "bare"), Content: "x", CreatedAt: now}
	require.NoError(t, s.Save(ctx, bare))
	got, err = s.Get(ctx, bare.ID)
	require.NoError(t, err)
	assert.False(t, got.HasExpiration())
	assert.False(t, got.HasViewLimit())
	assert.Equal(t, 0, got.TTLSeconds)
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.Get(context.Background(), uniqueID(t, "missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSaveDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID(t, "dup")
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, &storage.Paste{ID: id, Content: "first", CreatedAt: now}))

	err := s.Save(ctx, &storage.Paste{ID: id, Content: "second", CreatedAt: now})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
}

func testIncrementViews(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID(t, "inc")
	require.NoError(t, s.Save(ctx, &storage.Paste{ID: id, Content: "c", CreatedAt: time.Now().UTC(), MaxViews: 2}))

	n, err := s.IncrementViews(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementViews(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementViews(ctx, id)
	assert.ErrorIs(t, err, storage.ErrExhausted)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ViewCount)
}

func testIncrementViewsMissing(t *testing.T, s storage.Store) {
	_, err := s.IncrementViews(context.Background(), uniqueID(t, "nope"))
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testIncrementViewsConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID(t, "race")
	require.NoError(t, s.Save(ctx, &storage.Paste{ID: id, Content: "c", CreatedAt: time.Now().UTC(), MaxViews: 5}))

	const workers = 32
	var wins, refused atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementViews(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrExhausted):
				refused.Add(1)
			default:
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), wins.Load())
	assert.Equal(t, int32(workers-5), refused.Load())
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ViewCount)
}

func testIncrementViewsUnlimited(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uniqueID(t, "open")
	require.NoError(t, s.Save(ctx, &storage.Paste{ID: id, Content: "c", CreatedAt: time.Now().UTC()}))

	const workers = 32
	var mu sync.Mutex
	seen := make(map[int]bool, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.IncrementViews(ctx, id)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every caller got its own count.
	assert.Len(t, seen, workers)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workers, got.ViewCount)
}

func testLargeLimits(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	big := int(int64(math.MaxInt32) + 1)
	p := &storage.Paste{
		ID:         uniqueID(t, "big"),
		Content:    "c",
		CreatedAt:  now,
		TTLSeconds: big,
		ExpiresAt:  now.Add(time.Duration(big) * time.Second),
		MaxViews:   big,
	}
	require.NoError(t, s.Save(ctx, p))

	n, err := s.IncrementViews(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, big, got.TTLSeconds)
	assert.Equal(t, big, got.MaxViews)
	assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v", got.ExpiresAt)
}

func testDeleteExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	alive := &storage.Paste{ID: uniqueID(t, "alive"), Content: "ok", CreatedAt: now, TTLSeconds: 3600, ExpiresAt: now.Add(time.Hour)}
	dead := &storage.Paste{ID: uniqueID(t, "dead"), Content: "bye", CreatedAt: now, TTLSeconds: 1, ExpiresAt: now.Add(-time.Minute)}
	edge := &storage.Paste{ID: uniqueID(t, "edge"), Content: "edge", CreatedAt: now, TTLSeconds: 1, ExpiresAt: now}
	forever := &storage.Paste{ID: uniqueID(t, "forever"), Content: "keep", CreatedAt: now}
	for _, p := range []*storage.Paste{alive, dead, edge, forever} {
		require.NoError(t, s.Save(ctx, p))
	}

	removed, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 2)

	_, err = s.Get(ctx, dead.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, edge.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, alive.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, forever.ID)
	assert.NoError(t, err)
}

func testPing(t *testing.T, s storage.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
