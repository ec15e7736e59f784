package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-gate/internal/resilience"
)

const (
	upbitWSURL   = "wss://api.upbit.com/websocket/v1"
	upbitRESTURL = "https://api.upbit.com"
	upbitPrefix  = "KRW-"
)

// UpbitOptions parameterise the Upbit adapter.
type UpbitOptions struct {
	WSURL     string
	RESTURL   string
	HTTP      *resilience.Client
	Books     *BookCache
	TickCount int
}

// Upbit speaks Upbit's websocket protocol. Every orderbook frame is a full book.
type Upbit struct {
	opts   UpbitOptions
	logger zerolog.Logger
}

var _ Adapter = (*Upbit)(nil)

// NewUpbit builds the adapter. A nil Books gets a replace-mode cache.
func NewUpbit(opts UpbitOptions, logger zerolog.Logger) *Upbit {
	if opts.WSURL == "" {
		opts.WSURL = upbitWSURL
	}
	opts.RESTURL = strings.TrimRight(opts.RESTURL, "/")
	if opts.RESTURL == "" {
		opts.RESTURL = upbitRESTURL
	}
	if opts.Books == nil {
		opts.Books = NewBookCache(ModeReplace, 0)
	}
	if opts.TickCount <= 0 {
		opts.TickCount = 200
	}
	return &Upbit{opts: opts, logger: logger.With().Str("component", "upbit_adapter").Logger()}
}

func (u *Upbit) Name() string  { return "upbit_ws" }
func (u *Upbit) Venue() string { return VenueUpbit }
func (u *Upbit) URL() string   { return u.opts.WSURL }

// Books exposes the venue's book cache.
func (u *Upbit) Books() *BookCache { return u.opts.Books }

func (u *Upbit) SubscribeMessages(instruments []string) ([][]byte, error) {
	codes := make([]string, 0, len(instruments))
	for _, sym := range instruments {
		codes = append(codes, upbitPrefix+sym)
	}
	frame := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "trade", "codes": codes},
		map[string]any{"type": "orderbook", "codes": codes},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal upbit subscribe: %w", err)
	}
	return [][]byte{raw}, nil
}

type upbitFrame struct {
	Type           string          `json:"type"`
	Code           string          `json:"code"`
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	TradeTimestamp int64           `json:"trade_timestamp"`
	Timestamp      int64           `json:"timestamp"`
	Units          []struct {
		AskPrice decimal.Decimal `json:"ask_price"`
		BidPrice decimal.Decimal `json:"bid_price"`
		AskSize  decimal.Decimal `json:"ask_size"`
		BidSize  decimal.Decimal `json:"bid_size"`
	} `json:"orderbook_units"`
}

func (u *Upbit) Decode(raw []byte, emit func(StreamEvent)) error {
	var f upbitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode upbit frame: %w", err)
	}
	if !strings.HasPrefix(f.Code, upbitPrefix) {
		return nil
	}
	sym := strings.TrimPrefix(f.Code, upbitPrefix)

	switch f.Type {
	case "trade":
		if !f.TradePrice.IsPositive() {
			return fmt.Errorf("upbit trade %s: non-positive price", f.Code)
		}
		emit(StreamEvent{
			Source:     u.Name(),
			Venue:      VenueUpbit,
			Instrument: sym,
			ObservedAt: time.UnixMilli(f.TradeTimestamp).UTC(),
			Kind:       KindTick,
			Tick:       &Tick{Price: f.TradePrice, Volume: f.TradeVolume},
		})
	case "orderbook":
		book := BookUpdate{
			Bids: make([]Level, 0, len(f.Units)),
			Asks: make([]Level, 0, len(f.Units)),
		}
		for _, unit := range f.Units {
			book.Asks = append(book.Asks, Level{Price: unit.AskPrice, Quantity: unit.AskSize})
			book.Bids = append(book.Bids, Level{Price: unit.BidPrice, Quantity: unit.BidSize})
		}
		at := time.UnixMilli(f.Timestamp).UTC()
		u.opts.Books.Replace(sym, book, at)
		emit(StreamEvent{
			Source:     u.Name(),
			Venue:      VenueUpbit,
			Instrument: sym,
			ObservedAt: at,
			Kind:       KindBookSnapshot,
			Book:       &book,
		})
	}
	return nil
}

// OnReconnect is a no-op: the first orderbook frame after subscribe replaces the book.
func (u *Upbit) OnReconnect(context.Context, []string, func(StreamEvent)) error { return nil }

type upbitTradeTick struct {
	Market      string          `json:"market"`
	Timestamp   int64           `json:"timestamp"`
	TradePrice  decimal.Decimal `json:"trade_price"`
	TradeVolume decimal.Decimal `json:"trade_volume"`
}

func (u *Upbit) Recover(ctx context.Context, instruments []string, from, to time.Time, emit func(StreamEvent)) error {
	if u.opts.HTTP == nil {
		return nil
	}
	var firstErr error
	for _, sym := range instruments {
		q := url.Values{}
		q.Set("market", upbitPrefix+sym)
		q.Set("count", fmt.Sprint(u.opts.TickCount))
		var ticks []upbitTradeTick
		if err := u.opts.HTTP.GetJSON(ctx, u.opts.RESTURL+"/v1/trades/ticks?"+q.Encode(), &ticks); err != nil {
			u.logger.Warn().Err(err).Str("symbol", sym).Msg("trade backfill failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sort.Slice(ticks, func(i, j int) bool { return ticks[i].Timestamp < ticks[j].Timestamp })
		for _, t := range ticks {
			at := time.UnixMilli(t.Timestamp).UTC()
			if !at.After(from) || at.After(to) {
				continue
			}
			emit(StreamEvent{
				Source:     u.Name(),
				Venue:      VenueUpbit,
				Instrument: sym,
				ObservedAt: at,
				Kind:       KindTick,
				Tick:       &Tick{Price: t.TradePrice, Volume: t.TradeVolume},
				Backfilled: true,
			})
		}
	}
	return firstErr
}
