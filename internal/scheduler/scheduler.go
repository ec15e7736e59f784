package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per completed interval with the boundary that closed it.
type TickFunc func(ctx context.Context, boundary time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// Lag delays each tick past its boundary so late writes for the closed
	// interval can land first.
	Lag          time.Duration
	StartupDelay time.Duration
}

// Scheduler fires on wall-clock boundaries (truncate-to-interval), not on a
// free-running period.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Lag < 0 || opts.Lag >= opts.Interval {
		opts.Lag = 0
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger(), now: time.Now}
}

// Run blocks, invoking tick after each aligned boundary until ctx is cancelled.
// Tick errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	boundary := s.NextBoundary(s.now().UTC())
	for {
		fireAt := boundary.Add(s.opts.Lag)
		delay := fireAt.Sub(s.now())
		if delay < 0 {
			// slept through one or more boundaries; skip to the upcoming one
			boundary = s.NextBoundary(s.now().UTC())
			continue
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("boundary", boundary).Msg("waiting for next boundary")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.logger.Debug().Time("boundary", boundary).Msg("executing scheduled tick")
		if err := tick(ctx, boundary); err != nil {
			s.logger.Error().Err(err).Time("boundary", boundary).Msg("tick execution failed")
		}

		boundary = boundary.Add(s.opts.Interval)
	}
}

// NextBoundary returns the first aligned boundary strictly after now.
func (s *Scheduler) NextBoundary(now time.Time) time.Time {
	b := now.Truncate(s.opts.Interval)
	if !b.After(now) {
		b = b.Add(s.opts.Interval)
	}
	return b
}
