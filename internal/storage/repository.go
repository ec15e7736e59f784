package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	barColumns = `instrument, venue, bucket_ts, open::text, high::text, low::text, close::text,
        volume::text, quote_volume::text, trade_count`

	listSecondBarsSQL = `SELECT ` + barColumns + `
    FROM trade_snapshot_1s
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY instrument, venue, bucket_ts;`

	listMinuteBarsSQL = `SELECT ` + barColumns + `
    FROM trade_snapshot_1m
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, instrument, venue;`

	listStaleMinutesSQL = `WITH seconds AS (
        SELECT instrument, venue, date_trunc('minute', bucket_ts) AS minute_ts, SUM(trade_count) AS trades
        FROM trade_snapshot_1s
        WHERE bucket_ts >= $1
          AND bucket_ts < $2
        GROUP BY instrument, venue, date_trunc('minute', bucket_ts)
    )
    SELECT s.instrument, s.venue, s.minute_ts
    FROM seconds s
    LEFT JOIN trade_snapshot_1m m
      ON m.instrument = s.instrument
     AND m.venue = s.venue
     AND m.bucket_ts = s.minute_ts
    WHERE m.bucket_ts IS NULL
       OR m.trade_count <> s.trades
    ORDER BY s.minute_ts, s.instrument, s.venue;`

	listRecentListingsSQL = `SELECT id, symbol, venue, origin, detected_at, scheduled_at, confidence, title, duplicate
    FROM listing_signals
    ORDER BY detected_at DESC
    LIMIT $1;`

	firstListingAtSQL = `SELECT MIN(detected_at) FROM listing_signals WHERE symbol = $1 AND venue = $2;`

	listRecentGateResultsSQL = `SELECT id, symbol, venue, analyzed_at, proceed, severity, action,
        premium_pct::text, net_profit_pct::text, fx_source, blockers, warnings, payload, duration_ms
    FROM gate_results
    ORDER BY analyzed_at DESC
    LIMIT $1;`

	listGateResultsBetweenSQL = `SELECT id, symbol, venue, analyzed_at, proceed, severity, action,
        premium_pct::text, net_profit_pct::text, fx_source, blockers, warnings, payload, duration_ms
    FROM gate_results
    WHERE analyzed_at >= $1
      AND analyzed_at < $2
    ORDER BY analyzed_at;`

	listActiveDebounceSQL = `SELECT key, last_sent_at, expires_at FROM alert_debounce WHERE expires_at > $1;`

	countMinuteBarsSQL = `SELECT COUNT(*) FROM trade_snapshot_1m;`
)

// Reader is the read-only query surface. It never goes through the Writer.
type Reader interface {
	ListSecondBars(ctx context.Context, from, to time.Time) ([]Bar, error)
	ListMinuteBars(ctx context.Context, from, to time.Time) ([]Bar, error)
	ListStaleMinutes(ctx context.Context, from, to time.Time) ([]StaleMinute, error)
	ListRecentListings(ctx context.Context, limit int) ([]ListingRecord, error)
	FirstListingAt(ctx context.Context, symbol, venue string) (*time.Time, error)
	ListRecentGateResults(ctx context.Context, limit int) ([]GateRecord, error)
	ListGateResultsBetween(ctx context.Context, from, to time.Time) ([]GateRecord, error)
	ListActiveDebounce(ctx context.Context, now time.Time) ([]DebounceRecord, error)
	CountMinuteBars(ctx context.Context) (int64, error)
}

// Store serves reads from the shared pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ Reader = (*Store)(nil)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListSecondBars lists 1-second bars in [from, to).
func (s *Store) ListSecondBars(ctx context.Context, from, to time.Time) ([]Bar, error) {
	return s.listBars(ctx, listSecondBarsSQL, "list second bars", from, to)
}

// ListMinuteBars lists 1-minute bars in [from, to).
func (s *Store) ListMinuteBars(ctx context.Context, from, to time.Time) ([]Bar, error) {
	return s.listBars(ctx, listMinuteBarsSQL, "list minute bars", from, to)
}

func (s *Store) listBars(ctx context.Context, query, op string, from, to time.Time) ([]Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	bars := make([]Bar, 0)
	for rows.Next() {
		bar, scanErr := scanBar(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

// ListStaleMinutes returns minutes in [from, to) whose rollup is missing or
// disagrees with the 1-second rows on trade count.
func (s *Store) ListStaleMinutes(ctx context.Context, from, to time.Time) ([]StaleMinute, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listStaleMinutesSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list stale minutes: %w", queryErr)
	}
	defer rows.Close()

	out := make([]StaleMinute, 0)
	for rows.Next() {
		var m StaleMinute
		if err := rows.Scan(&m.Instrument, &m.Venue, &m.BucketTS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListRecentListings lists the newest listing signals.
func (s *Store) ListRecentListings(ctx context.Context, limit int) ([]ListingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentListingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent listings: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ListingRecord, 0, limit)
	for rows.Next() {
		var r ListingRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Venue, &r.Origin, &r.DetectedAt, &r.ScheduledAt, &r.Confidence, &r.Title, &r.Duplicate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// FirstListingAt returns when symbol was first seen listing on venue, or nil.
func (s *Store) FirstListingAt(ctx context.Context, symbol, venue string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var at *time.Time
	if scanErr := pool.QueryRow(ctx, firstListingAtSQL, symbol, venue).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("first listing at: %w", scanErr)
	}
	return at, nil
}

// ListRecentGateResults lists the newest verdicts.
func (s *Store) ListRecentGateResults(ctx context.Context, limit int) ([]GateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentGateResultsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent gate results: %w", queryErr)
	}
	return collectGateRecords(rows)
}

// ListGateResultsBetween lists verdicts in [from, to).
func (s *Store) ListGateResultsBetween(ctx context.Context, from, to time.Time) ([]GateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listGateResultsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list gate results between: %w", queryErr)
	}
	return collectGateRecords(rows)
}

// ListActiveDebounce lists windows that have not expired at now.
func (s *Store) ListActiveDebounce(ctx context.Context, now time.Time) ([]DebounceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveDebounceSQL, now)
	if queryErr != nil {
		return nil, fmt.Errorf("list active debounce: %w", queryErr)
	}
	defer rows.Close()

	out := make([]DebounceRecord, 0)
	for rows.Next() {
		var r DebounceRecord
		if err := rows.Scan(&r.Key, &r.LastSentAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CountMinuteBars counts stored minute rollups.
func (s *Store) CountMinuteBars(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countMinuteBarsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count minute bars: %w", scanErr)
	}
	return count, nil
}

func scanBar(rows pgx.Rows) (Bar, error) {
	var (
		bar                                Bar
		openStr, highStr, lowStr, closeStr string
		volumeStr, quoteStr                string
	)
	if err := rows.Scan(
		&bar.Instrument,
		&bar.Venue,
		&bar.BucketTS,
		&openStr,
		&highStr,
		&lowStr,
		&closeStr,
		&volumeStr,
		&quoteStr,
		&bar.TradeCount,
	); err != nil {
		return Bar{}, err
	}

	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&bar.Open, openStr, "open"},
		{&bar.High, highStr, "high"},
		{&bar.Low, lowStr, "low"},
		{&bar.Close, closeStr, "close"},
		{&bar.Volume, volumeStr, "volume"},
		{&bar.QuoteVolume, quoteStr, "quote volume"},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return Bar{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return bar, nil
}

func collectGateRecords(rows pgx.Rows) ([]GateRecord, error) {
	defer rows.Close()
	out := make([]GateRecord, 0)
	for rows.Next() {
		var (
			r                  GateRecord
			premium, netProfit *string
			payload            []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Symbol, &r.Venue, &r.AnalyzedAt, &r.Proceed, &r.Severity, &r.Action,
			&premium, &netProfit, &r.FXSource, &r.Blockers, &r.Warnings, &payload, &r.DurationMilli,
		); err != nil {
			return nil, err
		}
		var err error
		if r.PremiumPct, err = parseOptionalDecimal(premium); err != nil {
			return nil, fmt.Errorf("parse premium pct: %w", err)
		}
		if r.NetProfitPct, err = parseOptionalDecimal(netProfit); err != nil {
			return nil, fmt.Errorf("parse net profit pct: %w", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func optionalDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
