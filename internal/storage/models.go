package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV bucket for an instrument on a venue. The same shape backs
// both the 1-second and the 1-minute tables.
type Bar struct {
	Instrument  string
	Venue       string
	BucketTS    time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	TradeCount  int64
}

// ListingRecord is a persisted listing signal.
type ListingRecord struct {
	ID          int64
	Symbol      string
	Venue       string
	Origin      string
	DetectedAt  time.Time
	ScheduledAt *time.Time
	Confidence  float64
	Title       string
	Duplicate   bool
}

// EventRecord is a persisted non-listing announcement.
type EventRecord struct {
	ID         int64
	Symbols    []string
	Venue      string
	Category   string
	Severity   string
	Action     string
	Title      string
	NoticeID   string
	URL        string
	DetectedAt time.Time
}

// GateRecord is a persisted gate verdict. Payload carries the full result.
type GateRecord struct {
	ID            int64
	Symbol        string
	Venue         string
	AnalyzedAt    time.Time
	Proceed       bool
	Severity      string
	Action        string
	PremiumPct    *decimal.Decimal
	NetProfitPct  *decimal.Decimal
	FXSource      string
	Blockers      []string
	Warnings      []string
	Payload       json.RawMessage
	DurationMilli int64
}

// DebounceRecord is one alert de-duplication window.
type DebounceRecord struct {
	Key        string
	LastSentAt time.Time
	ExpiresAt  time.Time
}

// StaleMinute names a minute whose rollup is missing or out of date.
type StaleMinute struct {
	Instrument string
	Venue      string
	BucketTS   time.Time
}
