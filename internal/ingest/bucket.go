package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-gate/internal/storage"
)

type barKey struct {
	venue      string
	instrument string
}

// LastTrade is the most recent execution seen for an instrument.
type LastTrade struct {
	Price decimal.Decimal
	At    time.Time
}

// SecondBucketer folds ticks into 1-second bars and hands completed bars to
// the writer as droppable tasks.
type SecondBucketer struct {
	sink   storage.Submitter
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[barKey]*storage.Bar
	last map[barKey]LastTrade
}

// NewSecondBucketer builds a bucketer writing to sink.
func NewSecondBucketer(sink storage.Submitter, logger zerolog.Logger) *SecondBucketer {
	return &SecondBucketer{
		sink:   sink,
		logger: logger.With().Str("component", "second_bucketer").Logger(),
		now:    time.Now,
		open:   make(map[barKey]*storage.Bar),
		last:   make(map[barKey]LastTrade),
	}
}

// Run consumes events until in closes or ctx is done, then flushes open bars.
func (b *SecondBucketer) Run(ctx context.Context, in <-chan StreamEvent) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer b.Flush()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			b.Add(ev)
		case <-ticker.C:
			b.closeBefore(b.now().UTC().Truncate(time.Second))
		}
	}
}

// Add folds one event. Non-tick events are ignored.
func (b *SecondBucketer) Add(ev StreamEvent) {
	if ev.Kind != KindTick || ev.Tick == nil || !ev.Tick.Price.IsPositive() {
		return
	}
	key := barKey{venue: ev.Venue, instrument: ev.Instrument}
	bucket := ev.ObservedAt.UTC().Truncate(time.Second)

	b.mu.Lock()
	defer b.mu.Unlock()

	if lt, ok := b.last[key]; !ok || !ev.ObservedAt.Before(lt.At) {
		b.last[key] = LastTrade{Price: ev.Tick.Price, At: ev.ObservedAt}
	}

	bar, ok := b.open[key]
	switch {
	case !ok:
		b.open[key] = newBar(ev, bucket)
	case bucket.Equal(bar.BucketTS):
		mergeTick(bar, ev.Tick)
	case bucket.After(bar.BucketTS):
		b.submit(*bar)
		b.open[key] = newBar(ev, bucket)
	default:
		// late or backfilled tick for an already closed second
		b.submit(*newBar(ev, bucket))
	}
}

// LastPrice returns the last traded price for instrument on venue.
func (b *SecondBucketer) LastPrice(venue, instrument string) (LastTrade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lt, ok := b.last[barKey{venue: venue, instrument: instrument}]
	return lt, ok
}

// Flush submits every open bar.
func (b *SecondBucketer) Flush() {
	b.closeBefore(time.Time{})
}

func (b *SecondBucketer) closeBefore(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bar := range b.open {
		if cutoff.IsZero() || bar.BucketTS.Before(cutoff) {
			b.submit(*bar)
			delete(b.open, key)
		}
	}
}

func (b *SecondBucketer) submit(bar storage.Bar) {
	if !b.sink.Submit(storage.UpsertSecondBarTask(bar)) {
		b.logger.Debug().Str("instrument", bar.Instrument).Time("bucket", bar.BucketTS).Msg("second bar dropped")
	}
}

func newBar(ev StreamEvent, bucket time.Time) *storage.Bar {
	p := ev.Tick.Price
	return &storage.Bar{
		Instrument:  ev.Instrument,
		Venue:       ev.Venue,
		BucketTS:    bucket,
		Open:        p,
		High:        p,
		Low:         p,
		Close:       p,
		Volume:      ev.Tick.Volume,
		QuoteVolume: p.Mul(ev.Tick.Volume),
		TradeCount:  1,
	}
}

func mergeTick(bar *storage.Bar, t *Tick) {
	if t.Price.GreaterThan(bar.High) {
		bar.High = t.Price
	}
	if t.Price.LessThan(bar.Low) {
		bar.Low = t.Price
	}
	bar.Close = t.Price
	bar.Volume = bar.Volume.Add(t.Volume)
	bar.QuoteVolume = bar.QuoteVolume.Add(t.Price.Mul(t.Volume))
	bar.TradeCount++
}
