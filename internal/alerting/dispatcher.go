package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
)

// DispatcherOptions tune per-severity routing.
type DispatcherOptions struct {
	DebounceWindow   time.Duration
	LowBatchInterval time.Duration
}

// Dispatcher routes messages by severity: CRITICAL and HIGH go out at once,
// MEDIUM is debounced per key, LOW is batched and INFO is only logged.
type Dispatcher struct {
	notifier  Notifier
	debouncer Debouncer
	opts      DispatcherOptions
	logger    zerolog.Logger

	mu  sync.Mutex
	low []Message
}

// NewDispatcher wires a dispatcher. A nil debouncer keeps windows in memory.
func NewDispatcher(notifier Notifier, debouncer Debouncer, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 5 * time.Minute
	}
	if opts.LowBatchInterval <= 0 {
		opts.LowBatchInterval = time.Hour
	}
	if debouncer == nil {
		debouncer = NewStoreDebouncer(nil, logger)
	}
	return &Dispatcher{
		notifier:  notifier,
		debouncer: debouncer,
		opts:      opts,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch routes msg. Delivery errors are returned for CRITICAL, HIGH and
// MEDIUM messages.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	switch msg.Severity {
	case SeverityCritical, SeverityHigh:
		return d.deliver(ctx, msg)
	case SeverityMedium:
		allowed, err := d.debouncer.Allow(ctx, msg.Key, d.opts.DebounceWindow)
		if err != nil {
			// prefer a duplicate over a lost alert
			d.logger.Warn().Err(err).Str("key", msg.Key).Msg("debounce check failed, delivering")
			allowed = true
		}
		if !allowed {
			metrics.AlertsTotal.WithLabelValues(string(msg.Severity), "debounced").Inc()
			d.logger.Debug().Str("key", msg.Key).Msg("alert debounced")
			return nil
		}
		if err := d.deliver(ctx, msg); err != nil {
			// an undelivered alert must not hold the window
			if rerr := d.debouncer.Release(context.WithoutCancel(ctx), msg.Key); rerr != nil {
				d.logger.Warn().Err(rerr).Str("key", msg.Key).Msg("debounce release failed")
			}
			return err
		}
		return nil
	case SeverityLow:
		d.mu.Lock()
		d.low = append(d.low, msg)
		d.mu.Unlock()
		metrics.AlertsTotal.WithLabelValues(string(msg.Severity), "batched").Inc()
		return nil
	default:
		metrics.AlertsTotal.WithLabelValues(string(SeverityInfo), "logged").Inc()
		d.logger.Info().Str("key", msg.Key).Msg(msg.Text)
		return nil
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	if err := d.notifier.Notify(ctx, msg); err != nil {
		metrics.AlertsTotal.WithLabelValues(string(msg.Severity), "failed").Inc()
		return fmt.Errorf("deliver %s alert: %w", msg.Severity, err)
	}
	metrics.AlertsTotal.WithLabelValues(string(msg.Severity), "delivered").Inc()
	return nil
}

// Pending reports how many LOW messages await the next batch.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.low)
}

// Flush sends buffered LOW messages as one batch. On failure they are kept
// for the next flush.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	batch := d.low
	d.low = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	b := strings.Builder{}
	fmt.Fprintf(&b, "--- LOW alerts (%d) ---", len(batch))
	for _, m := range batch {
		b.WriteString("\n")
		b.WriteString(m.Text)
	}
	err := d.deliver(ctx, Message{Severity: SeverityLow, Text: b.String(), Key: "low-batch"})
	if err != nil {
		d.mu.Lock()
		d.low = append(batch, d.low...)
		d.mu.Unlock()
		return err
	}
	d.logger.Info().Int("count", len(batch)).Msg("low alerts flushed")
	return nil
}

// Run flushes LOW batches on the configured interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.LowBatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Flush(ctx); err != nil {
				d.logger.Error().Err(err).Msg("low alert flush failed")
			}
			if p, ok := d.debouncer.(interface{ Purge() int }); ok {
				p.Purge()
			}
		}
	}
}
