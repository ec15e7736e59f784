package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"listing-gate/internal/metrics"
)

// State mirrors the breaker state machine.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerOptions tune a single breaker.
type BreakerOptions struct {
	Name             string
	FailureThreshold uint32
	HalfOpenMaxCalls uint32
	Cooldown         time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.HalfOpenMaxCalls == 0 {
		o.HalfOpenMaxCalls = 2
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 60 * time.Second
	}
	return o
}

// Breaker guards one external dependency. While not closed, at most one call
// is in flight; concurrent callers get ErrOpen instead of waiting.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[any]
	trial  *semaphore.Weighted
	opts   BreakerOptions
	logger zerolog.Logger
}

// NewBreaker constructs a breaker with the given options.
func NewBreaker(opts BreakerOptions, logger zerolog.Logger) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{
		trial:  semaphore.NewWeighted(1),
		opts:   opts,
		logger: logger.With().Str("component", "breaker").Str("dependency", opts.Name).Logger(),
	}
	threshold := opts.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.HalfOpenMaxCalls,
		Interval:    0,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: b.onStateChange,
	})
	metrics.BreakerState.WithLabelValues(opts.Name).Set(float64(StateClosed))
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.opts.Name }

// State reports the current state; an expired open breaker reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.cb.State() != gobreaker.StateClosed {
		if !b.trial.TryAcquire(1) {
			return nil, fmt.Errorf("%s: trial call in flight: %w", b.opts.Name, ErrOpen)
		}
		defer b.trial.Release(1)
	}

	res, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", b.opts.Name, ErrOpen)
	}
	return res, err
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(fromGobreaker(to)))
	metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	evt := b.logger.Info()
	if to == gobreaker.StateOpen {
		evt = b.logger.Warn()
	}
	evt.Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
}

// Do is the typed form of Breaker.Execute.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	})
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// BreakerSet lazily creates one breaker per dependency name.
type BreakerSet struct {
	mu       sync.RWMutex
	m        map[string]*Breaker
	defaults BreakerOptions
	logger   zerolog.Logger
}

// NewBreakerSet builds a registry sharing default options.
func NewBreakerSet(defaults BreakerOptions, logger zerolog.Logger) *BreakerSet {
	return &BreakerSet{
		m:        make(map[string]*Breaker, 16),
		defaults: defaults.withDefaults(),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b := s.m[name]
	s.mu.RUnlock()
	if b != nil {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.m[name]; b != nil {
		return b
	}
	opts := s.defaults
	opts.Name = name
	b = NewBreaker(opts, s.logger)
	s.m[name] = b
	return b
}

// States snapshots every known breaker.
func (s *BreakerSet) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.m))
	for name, b := range s.m {
		out[name] = b.State()
	}
	return out
}

// Names lists known breakers in sorted order.
func (s *BreakerSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.m))
	for name := range s.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
