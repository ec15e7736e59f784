package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"listing-gate/internal/resilience"
)

// FuturesOptions locate the perpetual listings.
type FuturesOptions struct {
	BinanceFuturesURL string
	BybitURL          string
	HyperliquidURL    string
	CacheTTL          time.Duration
}

type futuresSet struct {
	symbols   map[string]struct{}
	fetchedAt time.Time
}

// Futures answers hedge availability from cached perpetual listings.
// A failed refresh keeps the previous listing.
type Futures struct {
	opts   FuturesOptions
	http   *resilience.Client
	logger zerolog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]futuresSet
}

var _ HedgeFetcher = (*Futures)(nil)

// NewFutures builds the hedge lookup.
func NewFutures(opts FuturesOptions, client *resilience.Client, logger zerolog.Logger) *Futures {
	opts.BinanceFuturesURL = defaultURL(opts.BinanceFuturesURL, "https://fapi.binance.com")
	opts.BybitURL = defaultURL(opts.BybitURL, "https://api.bybit.com")
	opts.HyperliquidURL = defaultURL(opts.HyperliquidURL, "https://api.hyperliquid.xyz")
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Futures{
		opts:   opts,
		http:   client,
		logger: logger.With().Str("component", "futures_fetcher").Logger(),
		now:    time.Now,
		cache:  make(map[string]futuresSet),
	}
}

// HedgeType checks Bybit, then Binance, then Hyperliquid. It errors only when
// no listing at all could be loaded, so "none" is never a silent guess.
func (f *Futures) HedgeType(ctx context.Context, symbol string) (HedgeType, error) {
	pair := symbol + "USDT"

	var errs []error
	for _, venue := range []string{"bybit", "binance"} {
		set, err := f.listing(ctx, venue)
		if err != nil {
			errs = append(errs, err)
		}
		if _, ok := set[pair]; ok {
			return HedgeCEX, nil
		}
	}

	set, err := f.listing(ctx, "hyperliquid")
	if err != nil {
		errs = append(errs, err)
	}
	if _, ok := set[pair]; ok {
		return HedgeDEXOnly, nil
	}
	if len(errs) == 3 {
		return HedgeNone, fmt.Errorf("load futures listings: %w", errors.Join(errs...))
	}
	return HedgeNone, nil
}

func (f *Futures) listing(ctx context.Context, venue string) (map[string]struct{}, error) {
	f.mu.RLock()
	cached, ok := f.cache[venue]
	f.mu.RUnlock()
	if ok && len(cached.symbols) > 0 && f.now().Sub(cached.fetchedAt) < f.opts.CacheTTL {
		return cached.symbols, nil
	}

	v, err, _ := f.group.Do(venue, func() (any, error) {
		return f.fetch(ctx, venue)
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("venue", venue).Msg("futures listing refresh failed")
		return cached.symbols, err
	}
	symbols := v.(map[string]struct{})
	if len(symbols) == 0 {
		return cached.symbols, nil
	}
	f.mu.Lock()
	f.cache[venue] = futuresSet{symbols: symbols, fetchedAt: f.now()}
	f.mu.Unlock()
	f.logger.Info().Str("venue", venue).Int("symbols", len(symbols)).Msg("futures listing refreshed")
	return symbols, nil
}

func (f *Futures) fetch(ctx context.Context, venue string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	switch venue {
	case "binance":
		var res struct {
			Symbols []struct {
				Symbol string `json:"symbol"`
			} `json:"symbols"`
		}
		if err := f.http.GetJSON(ctx, f.opts.BinanceFuturesURL+"/fapi/v1/exchangeInfo", &res); err != nil {
			return nil, fmt.Errorf("fetch binance futures: %w", err)
		}
		for _, s := range res.Symbols {
			out[s.Symbol] = struct{}{}
		}
	case "bybit":
		var res struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
			Result  struct {
				List []struct {
					Symbol string `json:"symbol"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := f.http.GetJSON(ctx, f.opts.BybitURL+"/v5/market/instruments-info?category=linear&limit=1000", &res); err != nil {
			return nil, fmt.Errorf("fetch bybit futures: %w", err)
		}
		if res.RetCode != 0 {
			return nil, fmt.Errorf("bybit futures: %s", res.RetMsg)
		}
		for _, s := range res.Result.List {
			out[s.Symbol] = struct{}{}
		}
	case "hyperliquid":
		var res struct {
			Universe []struct {
				Name string `json:"name"`
			} `json:"universe"`
		}
		if err := f.http.PostJSON(ctx, f.opts.HyperliquidURL+"/info", map[string]string{"type": "meta"}, &res); err != nil {
			return nil, fmt.Errorf("fetch hyperliquid meta: %w", err)
		}
		for _, a := range res.Universe {
			if a.Name != "" {
				out[a.Name+"USDT"] = struct{}{}
			}
		}
	default:
		return nil, fmt.Errorf("unknown futures venue %q", venue)
	}
	return out, nil
}
