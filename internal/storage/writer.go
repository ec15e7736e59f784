package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
)

// ErrWriterClosed is returned for submissions after Close.
var ErrWriterClosed = errors.New("storage: writer closed")

// WriteHandle is the single connection the Writer owns.
type WriteHandle interface {
	Execer
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Submitter accepts write tasks.
type Submitter interface {
	Submit(t Task) bool
	SubmitCritical(ctx context.Context, t Task) error
}

// WriterOptions tune batching and the queue bound.
type WriterOptions struct {
	QueueSize    int
	BatchSize    int
	DrainTimeout time.Duration
}

type writeItem struct {
	task     Task
	sentinel bool
}

// Writer serialises every durable write through one handle.
type Writer struct {
	handle WriteHandle
	opts   WriterOptions
	logger zerolog.Logger
	queue  chan writeItem

	// mu is held shared around every enqueue; Close takes it exclusively
	// after setting closed so the sentinel trails every accepted task.
	mu        sync.RWMutex
	closed    atomic.Bool
	closing   chan struct{}
	dropped   atomic.Uint64
	committed atomic.Uint64
	failed    atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

var _ Submitter = (*Writer)(nil)

// NewWriter builds a writer around handle.
func NewWriter(handle WriteHandle, opts WriterOptions, logger zerolog.Logger) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 50_000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &Writer{
		handle:  handle,
		opts:    opts,
		logger:  logger.With().Str("component", "writer").Logger(),
		queue:   make(chan writeItem, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Submit enqueues a normal task without blocking. A full queue drops the task.
func (w *Writer) Submit(t Task) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return false
	}
	select {
	case w.queue <- writeItem{task: t}:
		metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		return true
	default:
		n := w.dropped.Add(1)
		metrics.WriterDroppedTotal.Inc()
		if n == 1 || n == 10 || n == 100 || n%1000 == 0 {
			w.logger.Warn().Uint64("dropped", n).Str("kind", t.Kind).Msg("write queue full, dropping task")
		}
		return false
	}
}

// SubmitCritical blocks until the task is queued, ctx is done or the writer
// is closed.
func (w *Writer) SubmitCritical(ctx context.Context, t Task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return ErrWriterClosed
	}
	select {
	case w.queue <- writeItem{task: t}:
		metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		return nil
	case <-w.closing:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of rejected normal submissions.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Committed returns the number of tasks durably applied.
func (w *Writer) Committed() uint64 { return w.committed.Load() }

// Failed returns the number of tasks that failed on their own.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// QueueDepth returns the number of queued tasks.
func (w *Writer) QueueDepth() int { return len(w.queue) }

// Close enqueues the shutdown sentinel and waits for Run to drain.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return w.wait(ctx)
	}
	close(w.closing)

	// submissions that saw the writer open finish before the sentinel
	w.mu.Lock()
	select {
	case w.queue <- writeItem{sentinel: true}:
		w.mu.Unlock()
	case <-ctx.Done():
		w.mu.Unlock()
		return ctx.Err()
	}
	return w.wait(ctx)
}

func (w *Writer) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until the sentinel is processed or ctx is cancelled.
// On cancellation it drains what is already queued before returning.
func (w *Writer) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })

	for {
		var first writeItem
		select {
		case first = <-w.queue:
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.DrainTimeout)
			w.drain(dctx)
			cancel()
			return ctx.Err()
		}

		batch, stop := w.collect(first)
		w.commit(ctx, batch)
		if stop {
			w.drain(ctx)
			w.logger.Info().Uint64("committed", w.committed.Load()).Uint64("dropped", w.dropped.Load()).Msg("writer stopped")
			return nil
		}
	}
}

// collect gathers up to BatchSize queued tasks without blocking. Items queued
// after the sentinel in the same pass still join the batch.
func (w *Writer) collect(first writeItem) ([]Task, bool) {
	stop := first.sentinel
	batch := make([]Task, 0, w.opts.BatchSize)
	if !first.sentinel {
		batch = append(batch, first.task)
	}
	for len(batch) < w.opts.BatchSize {
		select {
		case it := <-w.queue:
			if it.sentinel {
				stop = true
				continue
			}
			batch = append(batch, it.task)
		default:
			metrics.WriterQueueDepth.Set(float64(len(w.queue)))
			return batch, stop
		}
	}
	metrics.WriterQueueDepth.Set(float64(len(w.queue)))
	return batch, stop
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case it := <-w.queue:
			batch, _ := w.collect(it)
			w.commit(ctx, batch)
		default:
			return
		}
	}
}

// commit applies batch in one transaction. On failure the batch is rolled
// back and each task is retried on its own.
func (w *Writer) commit(ctx context.Context, batch []Task) {
	if len(batch) == 0 {
		return
	}
	err := w.commitBatch(ctx, batch)
	if err == nil {
		w.committed.Add(uint64(len(batch)))
		metrics.WriterCommittedTotal.WithLabelValues("batch").Add(float64(len(batch)))
		return
	}

	w.logger.Warn().Err(err).Int("tasks", len(batch)).Msg("batch failed, retrying tasks individually")
	for _, t := range batch {
		if err := t.exec(ctx, w.handle); err != nil {
			w.failed.Add(1)
			metrics.WriterFailedTotal.Inc()
			w.logger.Error().Err(err).Str("kind", t.Kind).Msg("write task failed")
			continue
		}
		w.committed.Add(1)
		metrics.WriterCommittedTotal.WithLabelValues("single").Inc()
	}
}

func (w *Writer) commitBatch(ctx context.Context, batch []Task) error {
	tx, err := w.handle.Begin(ctx)
	if err != nil {
		return err
	}
	for _, t := range batch {
		if err := t.exec(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return nil
}
