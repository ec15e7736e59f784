package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the statement surface shared by a connection and a transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Task is one write statement handed to the Writer.
type Task struct {
	Kind string
	SQL  string
	Args []any
}

func (t Task) exec(ctx context.Context, e Execer) error {
	if _, err := e.Exec(ctx, t.SQL, t.Args...); err != nil {
		return fmt.Errorf("%s: %w", t.Kind, err)
	}
	return nil
}

const (
	upsertSecondBarSQL = `INSERT INTO trade_snapshot_1s (
        instrument, venue, bucket_ts, open, high, low, close, volume, quote_volume, trade_count
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (instrument, venue, bucket_ts) DO UPDATE
    SET high         = GREATEST(trade_snapshot_1s.high, EXCLUDED.high),
        low          = LEAST(trade_snapshot_1s.low, EXCLUDED.low),
        close        = EXCLUDED.close,
        volume       = trade_snapshot_1s.volume + EXCLUDED.volume,
        quote_volume = trade_snapshot_1s.quote_volume + EXCLUDED.quote_volume,
        trade_count  = trade_snapshot_1s.trade_count + EXCLUDED.trade_count;`

	upsertMinuteBarSQL = `INSERT INTO trade_snapshot_1m (
        instrument, venue, bucket_ts, open, high, low, close, volume, quote_volume, trade_count
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (instrument, venue, bucket_ts) DO UPDATE
    SET open         = EXCLUDED.open,
        high         = EXCLUDED.high,
        low          = EXCLUDED.low,
        close        = EXCLUDED.close,
        volume       = EXCLUDED.volume,
        quote_volume = EXCLUDED.quote_volume,
        trade_count  = EXCLUDED.trade_count,
        updated_at   = NOW();`

	purgeSecondBarsSQL = `DELETE FROM trade_snapshot_1s WHERE bucket_ts < $1;`

	insertListingSQL = `INSERT INTO listing_signals (
        symbol, venue, origin, detected_at, scheduled_at, confidence, title, duplicate
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	insertEventSQL = `INSERT INTO event_signals (
        symbols, venue, category, severity, action, title, notice_id, url, detected_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (venue, notice_id) DO NOTHING;`

	insertGateResultSQL = `INSERT INTO gate_results (
        symbol, venue, analyzed_at, proceed, severity, action, premium_pct, net_profit_pct,
        fx_source, blockers, warnings, payload, duration_ms
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    ON CONFLICT (symbol, venue, analyzed_at) DO UPDATE
    SET proceed        = EXCLUDED.proceed,
        severity       = EXCLUDED.severity,
        action         = EXCLUDED.action,
        premium_pct    = EXCLUDED.premium_pct,
        net_profit_pct = EXCLUDED.net_profit_pct,
        fx_source      = EXCLUDED.fx_source,
        blockers       = EXCLUDED.blockers,
        warnings       = EXCLUDED.warnings,
        payload        = EXCLUDED.payload,
        duration_ms    = EXCLUDED.duration_ms;`

	upsertDebounceSQL = `INSERT INTO alert_debounce (key, last_sent_at, expires_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (key) DO UPDATE
    SET last_sent_at = EXCLUDED.last_sent_at,
        expires_at   = EXCLUDED.expires_at;`

	purgeDebounceSQL = `DELETE FROM alert_debounce WHERE expires_at < $1;`
)

func barArgs(b Bar) []any {
	return []any{
		b.Instrument,
		b.Venue,
		b.BucketTS,
		b.Open.String(),
		b.High.String(),
		b.Low.String(),
		b.Close.String(),
		b.Volume.String(),
		b.QuoteVolume.String(),
		b.TradeCount,
	}
}

// UpsertSecondBarTask merges a 1-second bar into its row.
func UpsertSecondBarTask(b Bar) Task {
	return Task{Kind: "upsert second bar", SQL: upsertSecondBarSQL, Args: barArgs(b)}
}

// UpsertMinuteBarTask replaces a 1-minute rollup. Replaying it is idempotent.
func UpsertMinuteBarTask(b Bar) Task {
	return Task{Kind: "upsert minute bar", SQL: upsertMinuteBarSQL, Args: barArgs(b)}
}

// PurgeSecondBarsTask deletes 1-second rows older than cutoff.
func PurgeSecondBarsTask(cutoff time.Time) Task {
	return Task{Kind: "purge second bars", SQL: purgeSecondBarsSQL, Args: []any{cutoff}}
}

// InsertListingTask records a listing signal.
func InsertListingTask(r ListingRecord) Task {
	var scheduled any
	if r.ScheduledAt != nil {
		scheduled = *r.ScheduledAt
	}
	return Task{
		Kind: "insert listing",
		SQL:  insertListingSQL,
		Args: []any{r.Symbol, r.Venue, r.Origin, r.DetectedAt, scheduled, r.Confidence, r.Title, r.Duplicate},
	}
}

// InsertEventTask records an announcement event once per notice.
func InsertEventTask(r EventRecord) Task {
	symbols := r.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	return Task{
		Kind: "insert event",
		SQL:  insertEventSQL,
		Args: []any{symbols, r.Venue, r.Category, r.Severity, r.Action, r.Title, r.NoticeID, r.URL, r.DetectedAt},
	}
}

// InsertGateResultTask records a gate verdict.
func InsertGateResultTask(r GateRecord) Task {
	blockers, warnings := r.Blockers, r.Warnings
	if blockers == nil {
		blockers = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return Task{
		Kind: "insert gate result",
		SQL:  insertGateResultSQL,
		Args: []any{
			r.Symbol, r.Venue, r.AnalyzedAt, r.Proceed, r.Severity, r.Action,
			optionalDecimal(r.PremiumPct), optionalDecimal(r.NetProfitPct),
			r.FXSource, blockers, warnings, payload, r.DurationMilli,
		},
	}
}

// UpsertDebounceTask stores a debounce window.
func UpsertDebounceTask(r DebounceRecord) Task {
	return Task{Kind: "upsert debounce", SQL: upsertDebounceSQL, Args: []any{r.Key, r.LastSentAt, r.ExpiresAt}}
}

// PurgeDebounceTask deletes windows that expired before now.
func PurgeDebounceTask(now time.Time) Task {
	return Task{Kind: "purge debounce", SQL: purgeDebounceSQL, Args: []any{now}}
}
