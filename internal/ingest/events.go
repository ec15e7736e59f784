package ingest

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates StreamEvent payloads.
type Kind int

const (
	KindTick Kind = iota
	KindBookDelta
	KindBookSnapshot
	KindAnnouncement
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindBookDelta:
		return "book-delta"
	case KindBookSnapshot:
		return "book-snapshot"
	case KindAnnouncement:
		return "announcement"
	default:
		return "unknown"
	}
}

// Tick is a single executed trade.
type Tick struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Level is one price level of an order book.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookUpdate carries either a full snapshot or a set of level deltas.
type BookUpdate struct {
	Bids []Level
	Asks []Level
}

// StreamEvent is one immutable observation from a source.
type StreamEvent struct {
	Source     string
	Venue      string
	Instrument string
	ObservedAt time.Time
	Kind       Kind
	Tick       *Tick
	Book       *BookUpdate
	Notice     *ParsedNotice
	Backfilled bool
}

// ListingSignal reports that an instrument became (or is about to become) tradable.
type ListingSignal struct {
	Symbol      string
	Venue       string
	Origin      string // market_diff / notice
	DetectedAt  time.Time
	ScheduledAt *time.Time
	Confidence  float64
	Title       string
	// Duplicate is set when the symbol@venue was already detected inside the
	// current window; consumers track the market but skip re-analysis.
	Duplicate bool
}

// Key identifies the signal for de-duplication.
func (s ListingSignal) Key() string {
	return s.Symbol + "@" + s.Venue
}

// EventSignal reports a non-listing announcement.
type EventSignal struct {
	Symbols    []string
	Venue      string
	Category   Category
	Severity   string
	Action     string
	Title      string
	NoticeID   string
	URL        string
	DetectedAt time.Time
}

const (
	OriginMarketDiff = "market_diff"
	OriginNotice     = "notice"
)

const (
	VenueUpbit   = "upbit"
	VenueBithumb = "bithumb"
)

// kst is the venues' local zone.
var kst = time.FixedZone("KST", 9*60*60)
