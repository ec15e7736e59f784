package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-gate/internal/resilience"
)

const (
	bithumbWSURL   = "wss://pubwss.bithumb.com/pub/ws"
	bithumbRESTURL = "https://api.bithumb.com"
	bithumbSuffix  = "_KRW"
	bithumbLevels  = 50
	bithumbDtm     = "2006-01-02 15:04:05.999999"
)

// BithumbOptions parameterise the Bithumb adapter.
type BithumbOptions struct {
	WSURL   string
	RESTURL string
	HTTP    *resilience.Client
	Books   *BookCache
}

// Bithumb speaks Bithumb's websocket protocol. Orderbook frames are deltas on a
// REST snapshot.
type Bithumb struct {
	opts   BithumbOptions
	logger zerolog.Logger
}

var _ Adapter = (*Bithumb)(nil)

// NewBithumb builds the adapter. A nil Books gets a delta-mode cache capped at 50 levels.
func NewBithumb(opts BithumbOptions, logger zerolog.Logger) *Bithumb {
	if opts.WSURL == "" {
		opts.WSURL = bithumbWSURL
	}
	opts.RESTURL = strings.TrimRight(opts.RESTURL, "/")
	if opts.RESTURL == "" {
		opts.RESTURL = bithumbRESTURL
	}
	if opts.Books == nil {
		opts.Books = NewBookCache(ModeSnapshotDelta, bithumbLevels)
	}
	return &Bithumb{opts: opts, logger: logger.With().Str("component", "bithumb_adapter").Logger()}
}

func (b *Bithumb) Name() string  { return "bithumb_ws" }
func (b *Bithumb) Venue() string { return VenueBithumb }
func (b *Bithumb) URL() string   { return b.opts.WSURL }

// Books exposes the venue's book cache.
func (b *Bithumb) Books() *BookCache { return b.opts.Books }

func (b *Bithumb) SubscribeMessages(instruments []string) ([][]byte, error) {
	symbols := make([]string, 0, len(instruments))
	for _, sym := range instruments {
		symbols = append(symbols, sym+bithumbSuffix)
	}
	frames := make([][]byte, 0, 2)
	for _, typ := range []string{"transaction", "orderbookdepth"} {
		raw, err := json.Marshal(map[string]any{"type": typ, "symbols": symbols})
		if err != nil {
			return nil, fmt.Errorf("marshal bithumb subscribe: %w", err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

type bithumbFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Content struct {
		List     []json.RawMessage `json:"list"`
		Datetime string            `json:"datetime"`
	} `json:"content"`
}

type bithumbTransaction struct {
	Symbol    string          `json:"symbol"`
	ContPrice decimal.Decimal `json:"contPrice"`
	ContQty   decimal.Decimal `json:"contQty"`
	ContDtm   string          `json:"contDtm"`
}

type bithumbDepth struct {
	Symbol    string          `json:"symbol"`
	OrderType string          `json:"orderType"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (b *Bithumb) Decode(raw []byte, emit func(StreamEvent)) error {
	var f bithumbFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode bithumb frame: %w", err)
	}
	switch f.Type {
	case "transaction":
		for _, item := range f.Content.List {
			var tx bithumbTransaction
			if err := json.Unmarshal(item, &tx); err != nil {
				return fmt.Errorf("decode bithumb transaction: %w", err)
			}
			at, err := parseKST(tx.ContDtm)
			if err != nil {
				return err
			}
			emit(StreamEvent{
				Source:     b.Name(),
				Venue:      VenueBithumb,
				Instrument: strings.TrimSuffix(tx.Symbol, bithumbSuffix),
				ObservedAt: at,
				Kind:       KindTick,
				Tick:       &Tick{Price: tx.ContPrice, Volume: tx.ContQty},
			})
		}
	case "orderbookdepth":
		at := parseMicros(f.Content.Datetime)
		deltas := make(map[string]*BookUpdate)
		var order []string
		for _, item := range f.Content.List {
			var d bithumbDepth
			if err := json.Unmarshal(item, &d); err != nil {
				return fmt.Errorf("decode bithumb depth: %w", err)
			}
			sym := strings.TrimSuffix(d.Symbol, bithumbSuffix)
			upd, ok := deltas[sym]
			if !ok {
				upd = &BookUpdate{}
				deltas[sym] = upd
				order = append(order, sym)
			}
			lvl := Level{Price: d.Price, Quantity: d.Quantity}
			if d.OrderType == "bid" {
				upd.Bids = append(upd.Bids, lvl)
			} else {
				upd.Asks = append(upd.Asks, lvl)
			}
		}
		for _, sym := range order {
			upd := deltas[sym]
			if !b.opts.Books.Apply(sym, *upd, at) {
				continue
			}
			emit(StreamEvent{
				Source:     b.Name(),
				Venue:      VenueBithumb,
				Instrument: sym,
				ObservedAt: at,
				Kind:       KindBookDelta,
				Book:       upd,
			})
		}
	}
	return nil
}

type bithumbOrderbookResponse struct {
	Status string `json:"status"`
	Data   struct {
		Timestamp string `json:"timestamp"`
		Bids      []struct {
			Price    decimal.Decimal `json:"price"`
			Quantity decimal.Decimal `json:"quantity"`
		} `json:"bids"`
		Asks []struct {
			Price    decimal.Decimal `json:"price"`
			Quantity decimal.Decimal `json:"quantity"`
		} `json:"asks"`
	} `json:"data"`
}

// OnReconnect flushes the book cache and reloads REST snapshots; deltas
// arriving before a symbol's snapshot is applied are dropped.
func (b *Bithumb) OnReconnect(ctx context.Context, instruments []string, emit func(StreamEvent)) error {
	b.opts.Books.Reset()
	if b.opts.HTTP == nil {
		return nil
	}
	var firstErr error
	for _, sym := range instruments {
		if err := b.loadSnapshot(ctx, sym, emit); err != nil {
			b.logger.Warn().Err(err).Str("symbol", sym).Msg("orderbook snapshot failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bithumb) loadSnapshot(ctx context.Context, sym string, emit func(StreamEvent)) error {
	var resp bithumbOrderbookResponse
	endpoint := fmt.Sprintf("%s/public/orderbook/%s%s", b.opts.RESTURL, sym, bithumbSuffix)
	if err := b.opts.HTTP.GetJSON(ctx, endpoint, &resp); err != nil {
		return err
	}
	if resp.Status != "0000" {
		return resilience.Permanent(fmt.Errorf("bithumb orderbook %s: status %s", sym, resp.Status))
	}
	snap := BookUpdate{}
	for _, l := range resp.Data.Bids {
		snap.Bids = append(snap.Bids, Level{Price: l.Price, Quantity: l.Quantity})
	}
	for _, l := range resp.Data.Asks {
		snap.Asks = append(snap.Asks, Level{Price: l.Price, Quantity: l.Quantity})
	}
	at := time.Now().UTC()
	if ms, err := strconv.ParseInt(resp.Data.Timestamp, 10, 64); err == nil {
		at = time.UnixMilli(ms).UTC()
	}
	b.opts.Books.Replace(sym, snap, at)
	emit(StreamEvent{
		Source:     b.Name(),
		Venue:      VenueBithumb,
		Instrument: sym,
		ObservedAt: at,
		Kind:       KindBookSnapshot,
		Book:       &snap,
	})
	return nil
}

type bithumbHistoryResponse struct {
	Status string `json:"status"`
	Data   []struct {
		TransactionDate string          `json:"transaction_date"`
		UnitsTraded     decimal.Decimal `json:"units_traded"`
		Price           decimal.Decimal `json:"price"`
	} `json:"data"`
}

func (b *Bithumb) Recover(ctx context.Context, instruments []string, from, to time.Time, emit func(StreamEvent)) error {
	if b.opts.HTTP == nil {
		return nil
	}
	var firstErr error
	for _, sym := range instruments {
		var resp bithumbHistoryResponse
		endpoint := fmt.Sprintf("%s/public/transaction_history/%s%s?count=100", b.opts.RESTURL, sym, bithumbSuffix)
		err := b.opts.HTTP.GetJSON(ctx, endpoint, &resp)
		if err == nil && resp.Status != "0000" {
			err = fmt.Errorf("bithumb history %s: status %s", sym, resp.Status)
		}
		if err != nil {
			b.logger.Warn().Err(err).Str("symbol", sym).Msg("trade backfill failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// oldest first
		for _, tx := range resp.Data {
			at, err := parseKST(tx.TransactionDate)
			if err != nil || !at.After(from) || at.After(to) {
				continue
			}
			emit(StreamEvent{
				Source:     b.Name(),
				Venue:      VenueBithumb,
				Instrument: sym,
				ObservedAt: at,
				Kind:       KindTick,
				Tick:       &Tick{Price: tx.Price, Volume: tx.UnitsTraded},
				Backfilled: true,
			})
		}
	}
	return firstErr
}

func parseKST(s string) (time.Time, error) {
	t, err := time.ParseInLocation(bithumbDtm, s, kst)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bithumb time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseMicros(s string) time.Time {
	us, err := strconv.ParseInt(s, 10, 64)
	if err != nil || us <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMicro(us).UTC()
}
