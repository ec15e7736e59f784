package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
	"listing-gate/internal/resilience"
)

// InstrumentLister returns the symbols currently tradable on one venue.
type InstrumentLister interface {
	Venue() string
	ListInstruments(ctx context.Context) ([]string, error)
}

// UpbitLister reads KRW markets from /v1/market/all.
type UpbitLister struct {
	HTTP    *resilience.Client
	BaseURL string
}

func (l *UpbitLister) Venue() string { return VenueUpbit }

func (l *UpbitLister) ListInstruments(ctx context.Context) ([]string, error) {
	base := strings.TrimRight(l.BaseURL, "/")
	if base == "" {
		base = upbitRESTURL
	}
	var markets []struct {
		Market string `json:"market"`
	}
	if err := l.HTTP.GetJSON(ctx, base+"/v1/market/all", &markets); err != nil {
		return nil, fmt.Errorf("list upbit markets: %w", err)
	}
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		if strings.HasPrefix(m.Market, upbitPrefix) {
			out = append(out, strings.TrimPrefix(m.Market, upbitPrefix))
		}
	}
	return out, nil
}

// BithumbLister reads KRW markets from /public/ticker/ALL_KRW.
type BithumbLister struct {
	HTTP    *resilience.Client
	BaseURL string
}

func (l *BithumbLister) Venue() string { return VenueBithumb }

func (l *BithumbLister) ListInstruments(ctx context.Context) ([]string, error) {
	base := strings.TrimRight(l.BaseURL, "/")
	if base == "" {
		base = bithumbRESTURL
	}
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	if err := l.HTTP.GetJSON(ctx, base+"/public/ticker/ALL_KRW", &resp); err != nil {
		return nil, fmt.Errorf("list bithumb markets: %w", err)
	}
	if resp.Status != "0000" {
		return nil, fmt.Errorf("list bithumb markets: status %s", resp.Status)
	}
	out := make([]string, 0, len(resp.Data))
	// data also carries a "date" string next to the per-symbol objects
	for sym, v := range resp.Data {
		if _, ok := v.(map[string]any); ok {
			out = append(out, sym)
		}
	}
	return out, nil
}

// MarketDiffOptions tune one venue's monitor.
type MarketDiffOptions struct {
	Interval         time.Duration
	BaselineAttempts int
	MaxNewPerDiff    int
	FailureAlert     int
}

func (o MarketDiffOptions) withDefaults() MarketDiffOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.BaselineAttempts <= 0 {
		o.BaselineAttempts = 3
	}
	if o.MaxNewPerDiff <= 0 {
		o.MaxNewPerDiff = 10
	}
	if o.FailureAlert <= 0 {
		o.FailureAlert = 5
	}
	return o
}

// MarketDiffMonitor polls an instrument list and reports additions.
type MarketDiffMonitor struct {
	lister   InstrumentLister
	opts     MarketDiffOptions
	detected *DetectedSet
	out      chan<- ListingSignal
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) bool

	mu       sync.RWMutex
	known    map[string]struct{}
	baseline bool
	failures int
}

// NewMarketDiffMonitor wires a lister to the listing channel.
func NewMarketDiffMonitor(lister InstrumentLister, opts MarketDiffOptions, detected *DetectedSet, out chan<- ListingSignal, logger zerolog.Logger) *MarketDiffMonitor {
	if detected == nil {
		detected = NewDetectedSet(0)
	}
	return &MarketDiffMonitor{
		lister:   lister,
		opts:     opts.withDefaults(),
		detected: detected,
		out:      out,
		logger:   logger.With().Str("component", "market_diff").Str("venue", lister.Venue()).Logger(),
		sleep:    sleepCtx,
		known:    make(map[string]struct{}),
	}
}

// Venue returns the monitored venue.
func (m *MarketDiffMonitor) Venue() string { return m.lister.Venue() }

// Listed reports whether symbol is in the last known list.
func (m *MarketDiffMonitor) Listed(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.known[symbol]
	return ok
}

// Known returns the last known list, sorted.
func (m *MarketDiffMonitor) Known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.known))
	for s := range m.known {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LoadBaseline fetches the initial list with exponential spacing between attempts.
func (m *MarketDiffMonitor) LoadBaseline(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < m.opts.BaselineAttempts; attempt++ {
		list, err := m.lister.ListInstruments(ctx)
		if err == nil {
			m.setBaseline(list)
			m.logger.Info().Int("instruments", len(list)).Msg("baseline loaded")
			return nil
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("baseline fetch failed")
		if attempt+1 < m.opts.BaselineAttempts && !m.sleep(ctx, time.Duration(1<<attempt)*time.Second) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("load baseline: %w", lastErr)
}

// Run polls until ctx is cancelled. A missing baseline is filled by the first success.
func (m *MarketDiffMonitor) Run(ctx context.Context) error {
	if err := m.LoadBaseline(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Msg("starting without baseline")
	}
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			signals, err := m.Poll(ctx)
			if err != nil {
				continue
			}
			for _, sig := range signals {
				select {
				case m.out <- sig:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Poll fetches the list once and returns signals for new instruments.
func (m *MarketDiffMonitor) Poll(ctx context.Context) ([]ListingSignal, error) {
	list, err := m.lister.ListInstruments(ctx)
	if err != nil {
		m.mu.Lock()
		m.failures++
		n := m.failures
		m.mu.Unlock()
		ev := m.logger.Warn()
		if n >= m.opts.FailureAlert {
			ev = m.logger.Error()
		}
		ev.Err(err).Int("consecutive_failures", n).Msg("instrument list fetch failed")
		return nil, err
	}

	m.mu.Lock()
	m.failures = 0
	if !m.baseline {
		m.mu.Unlock()
		m.setBaseline(list)
		m.logger.Info().Int("instruments", len(list)).Msg("baseline set from first successful poll")
		return nil, nil
	}
	var added []string
	for _, sym := range list {
		if _, ok := m.known[sym]; !ok {
			added = append(added, sym)
		}
	}
	m.mu.Unlock()

	if len(added) > m.opts.MaxNewPerDiff {
		m.logger.Warn().Int("new", len(added)).Msg("implausible diff, resetting baseline")
		m.setBaseline(list)
		return nil, nil
	}
	m.setBaseline(list)

	sort.Strings(added)
	now := time.Now().UTC()
	signals := make([]ListingSignal, 0, len(added))
	for _, sym := range added {
		sig := ListingSignal{
			Symbol:     sym,
			Venue:      m.lister.Venue(),
			Origin:     OriginMarketDiff,
			DetectedAt: now,
			Confidence: 1.0,
		}
		sig.Duplicate = !m.detected.Mark(sig.Key())
		metrics.ListingSignalsTotal.WithLabelValues(sig.Venue, sig.Origin).Inc()
		m.logger.Info().Str("symbol", sym).Bool("duplicate", sig.Duplicate).Msg("new instrument listed")
		signals = append(signals, sig)
	}
	return signals, nil
}

func (m *MarketDiffMonitor) setBaseline(list []string) {
	known := make(map[string]struct{}, len(list))
	for _, s := range list {
		known[s] = struct{}{}
	}
	m.mu.Lock()
	m.known = known
	m.baseline = true
	m.mu.Unlock()
}

// Listings answers listing status across venues.
type Listings struct {
	monitors map[string]*MarketDiffMonitor
}

// NewListings indexes monitors by venue.
func NewListings(monitors ...*MarketDiffMonitor) *Listings {
	l := &Listings{monitors: make(map[string]*MarketDiffMonitor, len(monitors))}
	for _, m := range monitors {
		l.monitors[m.Venue()] = m
	}
	return l
}

// Listed reports whether symbol trades on venue. Unknown venues report false.
func (l *Listings) Listed(venue, symbol string) bool {
	if l == nil {
		return false
	}
	m, ok := l.monitors[venue]
	return ok && m.Listed(symbol)
}

// Venues lists the monitored venues.
func (l *Listings) Venues() []string {
	out := make([]string, 0, len(l.monitors))
	for v := range l.monitors {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
