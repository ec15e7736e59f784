package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BookMode selects how inbound book messages reconcile with cached state.
type BookMode int

const (
	// ModeReplace treats every message as an authoritative full book.
	ModeReplace BookMode = iota
	// ModeSnapshotDelta applies deltas on top of a cached snapshot.
	ModeSnapshotDelta
)

// Book is a read-only copy of one instrument's book. Bids descend, asks ascend.
type Book struct {
	Instrument string
	Bids       []Level
	Asks       []Level
	UpdatedAt  time.Time
}

type bookState struct {
	bids      map[string]Level
	asks      map[string]Level
	ready     bool
	updatedAt time.Time
}

// BookCache holds per-instrument books for one venue.
type BookCache struct {
	mu        sync.RWMutex
	mode      BookMode
	maxLevels int
	books     map[string]*bookState
	dropped   uint64
}

// NewBookCache builds an empty cache. maxLevels caps each side (0 = unlimited).
func NewBookCache(mode BookMode, maxLevels int) *BookCache {
	return &BookCache{mode: mode, maxLevels: maxLevels, books: make(map[string]*bookState)}
}

// Mode reports the reconciliation strategy.
func (c *BookCache) Mode() BookMode { return c.mode }

// Replace installs a full snapshot and marks the book ready for deltas.
func (c *BookCache) Replace(instrument string, snap BookUpdate, at time.Time) {
	st := &bookState{
		bids:      make(map[string]Level, len(snap.Bids)),
		asks:      make(map[string]Level, len(snap.Asks)),
		ready:     true,
		updatedAt: at,
	}
	for _, l := range snap.Bids {
		if l.Quantity.IsPositive() {
			st.bids[l.Price.String()] = l
		}
	}
	for _, l := range snap.Asks {
		if l.Quantity.IsPositive() {
			st.asks[l.Price.String()] = l
		}
	}
	c.trim(st)

	c.mu.Lock()
	c.books[instrument] = st
	c.mu.Unlock()
}

// Apply merges a delta. A zero quantity deletes the level. In replace mode the
// delta is treated as a snapshot. Returns false when the delta was dropped
// because no snapshot has been received since the last reset.
func (c *BookCache) Apply(instrument string, delta BookUpdate, at time.Time) bool {
	if c.mode == ModeReplace {
		c.Replace(instrument, delta, at)
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.books[instrument]
	if !ok || !st.ready {
		c.dropped++
		return false
	}
	applyLevels(st.bids, delta.Bids)
	applyLevels(st.asks, delta.Asks)
	c.trim(st)
	st.updatedAt = at
	return true
}

func applyLevels(side map[string]Level, levels []Level) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Quantity.IsZero() || l.Quantity.IsNegative() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

// Reset flushes every cached book; deltas are dropped until the next snapshot.
func (c *BookCache) Reset() {
	c.mu.Lock()
	c.books = make(map[string]*bookState)
	c.mu.Unlock()
}

// Ready reports whether instrument has a usable snapshot.
func (c *BookCache) Ready(instrument string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.books[instrument]
	return ok && st.ready
}

// Dropped counts deltas discarded while awaiting a snapshot.
func (c *BookCache) Dropped() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// Snapshot copies the current book for instrument.
func (c *BookCache) Snapshot(instrument string) (Book, bool) {
	c.mu.RLock()
	st, ok := c.books[instrument]
	if !ok || !st.ready {
		c.mu.RUnlock()
		return Book{}, false
	}
	book := Book{
		Instrument: instrument,
		Bids:       sortedLevels(st.bids, true),
		Asks:       sortedLevels(st.asks, false),
		UpdatedAt:  st.updatedAt,
	}
	c.mu.RUnlock()
	return book, true
}

func (c *BookCache) trim(st *bookState) {
	if c.maxLevels <= 0 {
		return
	}
	if len(st.bids) > c.maxLevels {
		for _, l := range sortedLevels(st.bids, true)[c.maxLevels:] {
			delete(st.bids, l.Price.String())
		}
	}
	if len(st.asks) > c.maxLevels {
		for _, l := range sortedLevels(st.asks, false)[c.maxLevels:] {
			delete(st.asks, l.Price.String())
		}
	}
}

func sortedLevels(side map[string]Level, desc bool) []Level {
	out := make([]Level, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// BestAsk returns the lowest ask, if any.
func (b Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// BestBid returns the highest bid, if any.
func (b Book) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// Top returns the best n levels of each side.
func (c *BookCache) Top(instrument string, n int) (Book, bool) {
	book, ok := c.Snapshot(instrument)
	if !ok {
		return book, false
	}
	if n > 0 && len(book.Bids) > n {
		book.Bids = book.Bids[:n]
	}
	if n > 0 && len(book.Asks) > n {
		book.Asks = book.Asks[:n]
	}
	return book, true
}
