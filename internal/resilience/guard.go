package resilience

import (
	"context"
	"time"
)

// Source tells the caller where a guarded value came from.
type Source int

const (
	SourceLive Source = iota
	SourceCache
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceCache:
		return "cache"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// GuardOptions configure a Guard. Zero TTL disables the fresh cache; zero
// LastGoodSize disables the last-known-good fallback.
type GuardOptions struct {
	FreshTTL     time.Duration
	FreshSize    int
	LastGoodSize int
	Retry        RetryOptions
}

// Guard composes retry(breaker(call)) with a fresh-value cache in front and a
// last-known-good cache behind.
type Guard[T any] struct {
	breaker  *Breaker
	fresh    *Cache[string, T]
	lastGood *Cache[string, T]
	retry    RetryOptions
}

// NewGuard wraps calls to the dependency protected by b.
func NewGuard[T any](b *Breaker, opts GuardOptions) *Guard[T] {
	g := &Guard[T]{breaker: b, retry: opts.Retry}
	if opts.FreshTTL > 0 {
		g.fresh = NewCache[string, T](opts.FreshSize, opts.FreshTTL)
	}
	if opts.LastGoodSize > 0 {
		g.lastGood = NewCache[string, T](opts.LastGoodSize, 0)
	}
	return g
}

// Do returns the cached value for key when fresh, otherwise calls fn. When the
// dependency fails and a previous good value exists, that value is returned
// with SourceFallback and a nil error.
func (g *Guard[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, Source, error) {
	if g.fresh != nil {
		if hit, v := g.fresh.Get(key); hit {
			return v, SourceCache, nil
		}
	}

	v, err := Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		return Do(ctx, g.breaker, fn)
	})
	if err == nil {
		if g.fresh != nil {
			g.fresh.Set(key, v)
		}
		if g.lastGood != nil {
			g.lastGood.Set(key, v)
		}
		return v, SourceLive, nil
	}

	if g.lastGood != nil {
		if prev, _, ok := g.lastGood.Peek(key); ok {
			return prev, SourceFallback, nil
		}
	}
	var zero T
	return zero, SourceLive, err
}

// Invalidate drops the fresh value for key.
func (g *Guard[T]) Invalidate(key string) {
	if g.fresh != nil {
		g.fresh.Remove(key)
	}
}
