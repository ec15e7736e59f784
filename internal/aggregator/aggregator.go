package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
	"listing-gate/internal/storage"
)

// MinuteSink mirrors rolled minutes to a secondary store.
type MinuteSink interface {
	WriteMinutes(ctx context.Context, bars []storage.Bar) error
}

// Options tune retention and healing.
type Options struct {
	SecondRetention time.Duration
	HealWindow      time.Duration
	RangeChunk      time.Duration
}

// Aggregator rolls 1-second bars into 1-minute bars.
type Aggregator struct {
	reader storage.Reader
	writer storage.Submitter
	sink   MinuteSink
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New wires the aggregator. sink may be nil.
func New(reader storage.Reader, writer storage.Submitter, sink MinuteSink, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.SecondRetention <= 0 {
		opts.SecondRetention = 10 * time.Minute
	}
	if opts.HealWindow <= 0 {
		opts.HealWindow = 15 * time.Minute
	}
	if opts.RangeChunk <= 0 {
		opts.RangeChunk = time.Hour
	}
	return &Aggregator{
		reader: reader,
		writer: writer,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "aggregator").Logger(),
		now:    time.Now,
	}
}

// Tick rolls the minute that ended at boundary, re-rolls earlier minutes
// still holding 1-second rows whose rollup is missing or stale, then purges
// expired 1-second rows.
func (a *Aggregator) Tick(ctx context.Context, boundary time.Time) error {
	boundary = boundary.UTC().Truncate(time.Minute)
	n, err := a.roll(ctx, boundary.Add(-time.Minute), boundary)
	if err != nil {
		return fmt.Errorf("roll minute %s: %w", boundary.Add(-time.Minute).Format(time.RFC3339), err)
	}
	metrics.RollupsTotal.WithLabelValues("tick").Add(float64(n))

	// late 1-second rows and minutes skipped by an oversleeping scheduler
	cutoff := boundary.Add(-a.opts.SecondRetention)
	if _, err := a.healRange(ctx, cutoff, boundary.Add(-time.Minute)); err != nil {
		// keep the rows so the next tick can retry
		a.logger.Warn().Err(err).Time("boundary", boundary).Msg("stale minute re-roll failed; purge skipped")
		return nil
	}

	a.writer.Submit(storage.PurgeSecondBarsTask(cutoff))
	a.logger.Debug().Time("boundary", boundary).Int("bars", n).Msg("minute rolled")
	return nil
}

// Heal re-rolls recent minutes whose rollup is missing or stale.
func (a *Aggregator) Heal(ctx context.Context) (int, error) {
	to := a.now().UTC().Truncate(time.Minute)
	return a.healRange(ctx, to.Add(-a.opts.HealWindow), to)
}

func (a *Aggregator) healRange(ctx context.Context, from, to time.Time) (int, error) {
	if !from.Before(to) {
		return 0, nil
	}
	stale, err := a.reader.ListStaleMinutes(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list stale minutes: %w", err)
	}

	minutes := make(map[time.Time]struct{})
	for _, m := range stale {
		minutes[m.BucketTS.UTC()] = struct{}{}
	}
	ordered := make([]time.Time, 0, len(minutes))
	for m := range minutes {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	healed := 0
	for _, m := range ordered {
		n, err := a.roll(ctx, m, m.Add(time.Minute))
		if err != nil {
			return healed, fmt.Errorf("heal minute %s: %w", m.Format(time.RFC3339), err)
		}
		healed += n
	}
	metrics.RollupsTotal.WithLabelValues("heal").Add(float64(healed))
	if healed > 0 {
		a.logger.Info().Int("minutes", len(ordered)).Int("bars", healed).Msg("healed stale minutes")
	}
	return healed, nil
}

// Flush force-rolls the current partial minute.
func (a *Aggregator) Flush(ctx context.Context) error {
	start := a.now().UTC().Truncate(time.Minute)
	n, err := a.roll(ctx, start, start.Add(time.Minute))
	if err != nil {
		return fmt.Errorf("flush partial minute: %w", err)
	}
	metrics.RollupsTotal.WithLabelValues("flush").Add(float64(n))
	return nil
}

// RollRange re-aggregates [from, to) in chunks.
func (a *Aggregator) RollRange(ctx context.Context, from, to time.Time) (int, error) {
	from = from.UTC().Truncate(time.Minute)
	to = to.UTC()
	total := 0
	for chunkStart := from; chunkStart.Before(to); chunkStart = chunkStart.Add(a.opts.RangeChunk) {
		chunkEnd := chunkStart.Add(a.opts.RangeChunk)
		if chunkEnd.After(to) {
			chunkEnd = to
		}
		n, err := a.roll(ctx, chunkStart, chunkEnd)
		if err != nil {
			return total, err
		}
		total += n
	}
	metrics.RollupsTotal.WithLabelValues("backfill").Add(float64(total))
	return total, nil
}

func (a *Aggregator) roll(ctx context.Context, from, to time.Time) (int, error) {
	rows, err := a.reader.ListSecondBars(ctx, from, to)
	if err != nil {
		return 0, err
	}
	bars := RollupAll(rows)
	for _, bar := range bars {
		if err := a.writer.SubmitCritical(ctx, storage.UpsertMinuteBarTask(bar)); err != nil {
			return 0, fmt.Errorf("submit minute bar: %w", err)
		}
	}
	if a.sink != nil && len(bars) > 0 {
		if err := a.sink.WriteMinutes(ctx, bars); err != nil {
			a.logger.Warn().Err(err).Int("bars", len(bars)).Msg("minute mirror failed")
		}
	}
	return len(bars), nil
}

type minuteKey struct {
	instrument string
	venue      string
	minute     time.Time
}

// RollupAll groups 1-second rows by instrument, venue and minute and rolls
// each group. Output is ordered by minute, instrument and venue.
func RollupAll(rows []storage.Bar) []storage.Bar {
	groups := make(map[minuteKey][]storage.Bar)
	for _, r := range rows {
		k := minuteKey{instrument: r.Instrument, venue: r.Venue, minute: r.BucketTS.UTC().Truncate(time.Minute)}
		groups[k] = append(groups[k], r)
	}
	out := make([]storage.Bar, 0, len(groups))
	for _, g := range groups {
		if bar, ok := Rollup(g); ok {
			out = append(out, bar)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketTS.Equal(out[j].BucketTS) {
			return out[i].BucketTS.Before(out[j].BucketTS)
		}
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// Rollup folds 1-second rows of one instrument-venue-minute into a single bar.
// Open is the earliest row's open and close the latest row's close regardless
// of input order.
func Rollup(rows []storage.Bar) (storage.Bar, bool) {
	if len(rows) == 0 {
		return storage.Bar{}, false
	}
	sorted := append([]storage.Bar(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BucketTS.Before(sorted[j].BucketTS) })

	first := sorted[0]
	out := storage.Bar{
		Instrument:  first.Instrument,
		Venue:       first.Venue,
		BucketTS:    first.BucketTS.UTC().Truncate(time.Minute),
		Open:        first.Open,
		High:        first.High,
		Low:         first.Low,
		Close:       sorted[len(sorted)-1].Close,
		Volume:      first.Volume,
		QuoteVolume: first.QuoteVolume,
		TradeCount:  first.TradeCount,
	}
	for _, r := range sorted[1:] {
		if r.High.GreaterThan(out.High) {
			out.High = r.High
		}
		if r.Low.LessThan(out.Low) {
			out.Low = r.Low
		}
		out.Volume = out.Volume.Add(r.Volume)
		out.QuoteVolume = out.QuoteVolume.Add(r.QuoteVolume)
		out.TradeCount += r.TradeCount
	}
	return out, true
}
