package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"listing-gate/internal/alerting"
	"listing-gate/internal/bus"
	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
	"listing-gate/internal/metrics"
	"listing-gate/internal/resilience"
	"listing-gate/internal/scheduler"
	"listing-gate/internal/storage"
)

// Runner is a long-lived component that stops when ctx ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Writer is the single persistence writer and its counters.
type Writer interface {
	storage.Submitter
	Runner
	Close(ctx context.Context) error
	QueueDepth() int
	Dropped() uint64
	Committed() uint64
	Failed() uint64
}

// Stream is one venue feed whose instrument set grows with new listings.
type Stream interface {
	Runner
	Name() string
	Venue() string
	Connected() bool
	Track(instruments ...string) error
}

// Bucketer folds stream events into second bars.
type Bucketer interface {
	Run(ctx context.Context, in <-chan ingest.StreamEvent) error
}

// Minutes rolls second bars into minute bars.
type Minutes interface {
	Heal(ctx context.Context) (int, error)
	Tick(ctx context.Context, boundary time.Time) error
	Flush(ctx context.Context) error
}

// Ticker drives Minutes on aligned boundaries.
type Ticker interface {
	Run(ctx context.Context, tick scheduler.TickFunc) error
}

// Analyzer evaluates one listing.
type Analyzer interface {
	Analyze(ctx context.Context, symbol, venue string) gate.Result
}

// Options tune orchestration.
type Options struct {
	Workers         int
	AnalysisTimeout time.Duration
	ShutdownTimeout time.Duration
	// PersistTimeout bounds how long a record write waits for queue space
	// once its caller is cancelled.
	PersistTimeout time.Duration
}

// Components are the pipeline stages. Writer, Analyzer and Dispatcher are
// required; everything else may be left empty.
type Components struct {
	Writer       Writer
	Streams      []Stream
	Bucketer     Bucketer
	Events       <-chan ingest.StreamEvent
	Monitors     []Runner
	Pollers      []Runner
	Listings     <-chan ingest.ListingSignal
	EventSignals <-chan ingest.EventSignal
	Minutes      Minutes
	Scheduler    Ticker
	Analyzer     Analyzer
	Dispatcher   *alerting.Dispatcher
	Publisher    bus.Publisher
	Breakers     *resilience.BreakerSet
	Admin        Runner
}

// Service orchestrates ingestion, persistence, analysis and alerting.
type Service struct {
	c      Components
	opts   Options
	logger zerolog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

// New validates components and applies defaults.
func New(c Components, opts Options, logger zerolog.Logger) (*Service, error) {
	if c.Writer == nil || c.Analyzer == nil || c.Dispatcher == nil {
		return nil, errors.New("service: writer, analyzer and dispatcher are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if c.Publisher == nil {
		c.Publisher = bus.Nop{}
	}
	return &Service{
		c:      c,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

// Run starts the writer, heals recent minutes, runs every stage until ctx is
// cancelled, then shuts down in dependency order.
func (s *Service) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()
	writerDone := make(chan error, 1)
	go func() { writerDone <- s.c.Writer.Run(writerCtx) }()

	if s.c.Minutes != nil {
		healed, err := s.c.Minutes.Heal(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("minute heal failed")
		} else {
			s.logger.Info().Int("minutes", healed).Msg("minute heal finished")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.c.Streams {
		g.Go(func() error { return quiet(st.Run(gctx)) })
	}
	if s.c.Bucketer != nil && s.c.Events != nil {
		g.Go(func() error { return quiet(s.c.Bucketer.Run(gctx, s.c.Events)) })
	}
	for _, r := range s.c.Monitors {
		g.Go(func() error { return quiet(r.Run(gctx)) })
	}
	for _, r := range s.c.Pollers {
		g.Go(func() error { return quiet(r.Run(gctx)) })
	}
	if s.c.Scheduler != nil && s.c.Minutes != nil {
		g.Go(func() error { return quiet(s.c.Scheduler.Run(gctx, s.c.Minutes.Tick)) })
	}
	if s.c.Admin != nil {
		g.Go(func() error { return quiet(s.c.Admin.Run(gctx)) })
	}
	g.Go(func() error { return quiet(s.c.Dispatcher.Run(gctx)) })
	g.Go(func() error { return s.signalLoop(gctx) })

	s.logger.Info().Int("streams", len(s.c.Streams)).Int("workers", s.opts.Workers).Msg("pipeline started")
	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error().Err(runErr).Msg("pipeline stage failed")
	}

	return errors.Join(runErr, s.shutdown(ctx, stopWriter, writerDone))
}

func (s *Service) shutdown(ctx context.Context, stopWriter context.CancelFunc, writerDone <-chan error) error {
	s.logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-sctx.Done():
		s.logger.Warn().Msg("in-flight analyses did not finish before shutdown deadline")
	}

	var errs []error
	if s.c.Minutes != nil {
		if err := s.c.Minutes.Flush(sctx); err != nil {
			errs = append(errs, fmt.Errorf("flush minutes: %w", err))
		}
	}
	if err := s.c.Writer.Close(sctx); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
		stopWriter()
	}
	if err := <-writerDone; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("writer: %w", err))
	}
	if err := s.c.Dispatcher.Flush(sctx); err != nil {
		errs = append(errs, fmt.Errorf("flush low alerts: %w", err))
	}
	if err := s.c.Publisher.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("bus close failed")
	}

	s.logger.Info().
		Uint64("committed", s.c.Writer.Committed()).
		Uint64("dropped", s.c.Writer.Dropped()).
		Msg("pipeline stopped")
	return errors.Join(errs...)
}

// Health snapshots the writer, breakers and streams. Status is derived by
// the health handler.
func (s *Service) Health() metrics.Health {
	h := metrics.Health{
		WriterQueue:     s.c.Writer.QueueDepth(),
		WriterDropped:   s.c.Writer.Dropped(),
		WriterCommitted: s.c.Writer.Committed(),
		WriterFailed:    s.c.Writer.Failed(),
		Breakers:        map[string]string{},
		Streams:         map[string]bool{},
		CheckedAt:       time.Now().UTC(),
	}
	if s.c.Breakers != nil {
		for name, st := range s.c.Breakers.States() {
			h.Breakers[name] = st.String()
		}
	}
	for _, st := range s.c.Streams {
		h.Streams[st.Name()] = st.Connected()
	}
	return h
}

func quiet(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
