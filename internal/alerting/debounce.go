package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"listing-gate/internal/storage"
)

// Debouncer decides whether key may be delivered again. A true result claims
// the key for window; Release gives the claim back when delivery failed.
type Debouncer interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// StoreDebouncer decides in memory and persists windows through the writer so
// a restart can preload them. A nil writer keeps it purely in memory.
type StoreDebouncer struct {
	writer storage.Submitter
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

var _ Debouncer = (*StoreDebouncer)(nil)

// NewStoreDebouncer builds an empty debouncer.
func NewStoreDebouncer(writer storage.Submitter, logger zerolog.Logger) *StoreDebouncer {
	return &StoreDebouncer{
		writer: writer,
		logger: logger.With().Str("component", "debounce").Logger(),
		now:    time.Now,
		until:  make(map[string]time.Time),
	}
}

// WindowLister lists debounce windows that have not expired.
type WindowLister interface {
	ListActiveDebounce(ctx context.Context, now time.Time) ([]storage.DebounceRecord, error)
}

// Load preloads windows that are still active.
func (s *StoreDebouncer) Load(ctx context.Context, reader WindowLister) error {
	recs, err := reader.ListActiveDebounce(ctx, s.now())
	if err != nil {
		return fmt.Errorf("load debounce windows: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.until[r.Key] = r.ExpiresAt
	}
	s.logger.Info().Int("windows", len(recs)).Msg("debounce windows loaded")
	return nil
}

// Allow claims key unless an unexpired window exists.
func (s *StoreDebouncer) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	if exp, ok := s.until[key]; ok && now.Before(exp) {
		s.mu.Unlock()
		return false, nil
	}
	exp := now.Add(window)
	s.until[key] = exp
	s.mu.Unlock()

	if s.writer != nil {
		if !s.writer.Submit(storage.UpsertDebounceTask(storage.DebounceRecord{Key: key, LastSentAt: now, ExpiresAt: exp})) {
			s.logger.Debug().Str("key", key).Msg("debounce persist dropped")
		}
	}
	return true, nil
}

// Release drops the window for key. The persisted row is rewritten as already
// expired so Load skips it.
func (s *StoreDebouncer) Release(_ context.Context, key string) error {
	now := s.now()
	s.mu.Lock()
	delete(s.until, key)
	s.mu.Unlock()

	if s.writer != nil {
		if !s.writer.Submit(storage.UpsertDebounceTask(storage.DebounceRecord{Key: key, LastSentAt: now, ExpiresAt: now})) {
			s.logger.Debug().Str("key", key).Msg("debounce release persist dropped")
		}
	}
	return nil
}

// Purge forgets expired windows in memory and in storage.
func (s *StoreDebouncer) Purge() int {
	now := s.now()
	s.mu.Lock()
	n := 0
	for k, exp := range s.until {
		if !now.Before(exp) {
			delete(s.until, k)
			n++
		}
	}
	s.mu.Unlock()
	if s.writer != nil {
		s.writer.Submit(storage.PurgeDebounceTask(now))
	}
	return n
}

// RedisDebouncer shares windows between processes with SET NX PX.
type RedisDebouncer struct {
	client redis.UniversalClient
	prefix string
}

var _ Debouncer = (*RedisDebouncer)(nil)

// NewRedisDebouncer builds a debouncer storing keys under prefix.
func NewRedisDebouncer(client redis.UniversalClient, prefix string) *RedisDebouncer {
	if prefix == "" {
		prefix = "listinggate:debounce:"
	}
	return &RedisDebouncer{client: client, prefix: prefix}
}

// Allow claims key atomically.
func (r *RedisDebouncer) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the claim on key.
func (r *RedisDebouncer) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
