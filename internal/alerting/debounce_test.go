package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/storage"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []storage.Task
}

func (f *fakeSubmitter) Submit(t storage.Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return true
}

func (f *fakeSubmitter) SubmitCritical(_ context.Context, t storage.Task) error {
	f.Submit(t)
	return nil
}

type fakeWindows []storage.DebounceRecord

func (f fakeWindows) ListActiveDebounce(context.Context, time.Time) ([]storage.DebounceRecord, error) {
	return f, nil
}

func TestStoreDebouncerPersistsAndExpires(t *testing.T) {
	w := &fakeSubmitter{}
	d := NewStoreDebouncer(w, zerolog.Nop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := d.Allow(ctx, "k", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = d.Allow(ctx, "k", 5*time.Minute)
	assert.False(t, ok)

	require.Len(t, w.tasks, 1)
	assert.Equal(t, "upsert debounce", w.tasks[0].Kind)
	assert.Equal(t, []any{"k", now, now.Add(5 * time.Minute)}, w.tasks[0].Args)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, d.Purge())
	assert.Equal(t, "purge debounce", w.tasks[1].Kind)

	ok, _ = d.Allow(ctx, "k", 5*time.Minute)
	assert.True(t, ok)
}

func TestStoreDebouncerRelease(t *testing.T) {
	w := &fakeSubmitter{}
	d := NewStoreDebouncer(w, zerolog.Nop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := d.Allow(ctx, "k", 5*time.Minute)
	require.True(t, ok)
	require.NoError(t, d.Release(ctx, "k"))

	require.Len(t, w.tasks, 2)
	assert.Equal(t, []any{"k", now, now}, w.tasks[1].Args, "persisted window is already expired")

	ok, _ = d.Allow(ctx, "k", 5*time.Minute)
	assert.True(t, ok)
}

func TestStoreDebouncerLoadsActiveWindows(t *testing.T) {
	d := NewStoreDebouncer(nil, zerolog.Nop())
	now := time.Now()
	require.NoError(t, d.Load(context.Background(), fakeWindows{{Key: "verdict:XYZ@upbit", ExpiresAt: now.Add(time.Minute)}}))

	ok, err := d.Allow(context.Background(), "verdict:XYZ@upbit", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "window survives a restart")
}

func TestRedisDebouncer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDebouncer(client, "")
	ctx := context.Background()

	ok, err := d.Allow(ctx, "event:bithumb:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("listinggate:debounce:event:bithumb:7"))

	ok, err = d.Allow(ctx, "event:bithumb:7", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, "event:bithumb:7"))
	assert.False(t, mr.Exists("listinggate:debounce:event:bithumb:7"))
	ok, err = d.Allow(ctx, "event:bithumb:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = d.Allow(ctx, "event:bithumb:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.SetError("READONLY")
	_, err = d.Allow(ctx, "other", time.Minute)
	assert.Error(t, err)
}
