package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"listing-gate/internal/resilience"
)

// MarketOptions locate the spot REST endpoints.
type MarketOptions struct {
	UpbitURL   string
	BithumbURL string
	BinanceURL string
	OKXURL     string
	BybitURL   string
	// BullThresholdPct is the BTC 24h change separating neutral from bull/bear.
	BullThresholdPct float64
}

func (o MarketOptions) withDefaults() MarketOptions {
	o.UpbitURL = defaultURL(o.UpbitURL, "https://api.upbit.com")
	o.BithumbURL = defaultURL(o.BithumbURL, "https://api.bithumb.com")
	o.BinanceURL = defaultURL(o.BinanceURL, "https://api.binance.com")
	o.OKXURL = defaultURL(o.OKXURL, "https://www.okx.com")
	o.BybitURL = defaultURL(o.BybitURL, "https://api.bybit.com")
	if o.BullThresholdPct <= 0 {
		o.BullThresholdPct = 5
	}
	return o
}

func defaultURL(v, def string) string {
	v = strings.TrimRight(v, "/")
	if v == "" {
		return def
	}
	return v
}

// Market fetches spot prices from domestic and global venues.
type Market struct {
	opts   MarketOptions
	http   *resilience.Client
	logger zerolog.Logger
}

var (
	_ DomesticPriceFetcher   = (*Market)(nil)
	_ GlobalPriceFetcher     = (*Market)(nil)
	_ MarketConditionFetcher = (*Market)(nil)
)

// NewMarket constructs a market fetcher.
func NewMarket(opts MarketOptions, client *resilience.Client, logger zerolog.Logger) *Market {
	return &Market{
		opts:   opts.withDefaults(),
		http:   client,
		logger: logger.With().Str("component", "market_fetcher").Logger(),
	}
}

// FetchDomestic returns the KRW last price of symbol on venue.
func (m *Market) FetchDomestic(ctx context.Context, venue, symbol string) (decimal.Decimal, error) {
	switch venue {
	case "upbit":
		return m.UpbitPrice(ctx, "KRW-"+symbol)
	case "bithumb":
		var res struct {
			Status string `json:"status"`
			Data   struct {
				ClosingPrice decimal.Decimal `json:"closing_price"`
			} `json:"data"`
		}
		endpoint := fmt.Sprintf("%s/public/ticker/%s_KRW", m.opts.BithumbURL, url.PathEscape(symbol))
		if err := m.http.GetJSON(ctx, endpoint, &res); err != nil {
			return decimal.Decimal{}, fmt.Errorf("fetch bithumb ticker: %w", err)
		}
		if res.Status != "0000" || !res.Data.ClosingPrice.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("bithumb %s: %w", symbol, ErrNoPrice)
		}
		return res.Data.ClosingPrice, nil
	default:
		return decimal.Decimal{}, resilience.Permanent(fmt.Errorf("unsupported domestic venue %q", venue))
	}
}

// UpbitPrice returns the last trade price of an Upbit market such as KRW-BTC.
func (m *Market) UpbitPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	var res []struct {
		TradePrice decimal.Decimal `json:"trade_price"`
	}
	endpoint := m.opts.UpbitURL + "/v1/ticker?markets=" + url.QueryEscape(market)
	if err := m.http.GetJSON(ctx, endpoint, &res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch upbit ticker: %w", err)
	}
	if len(res) == 0 || !res[0].TradePrice.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("upbit %s: %w", market, ErrNoPrice)
	}
	return res[0].TradePrice, nil
}

type binanceTicker struct {
	LastPrice          decimal.Decimal `json:"lastPrice"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
}

func (m *Market) binanceTicker(ctx context.Context, pair string) (binanceTicker, error) {
	var res binanceTicker
	endpoint := m.opts.BinanceURL + "/api/v3/ticker/24hr?symbol=" + url.QueryEscape(pair)
	if err := m.http.GetJSON(ctx, endpoint, &res); err != nil {
		return binanceTicker{}, fmt.Errorf("fetch binance ticker: %w", err)
	}
	if !res.LastPrice.IsPositive() {
		return binanceTicker{}, fmt.Errorf("binance %s: %w", pair, ErrNoPrice)
	}
	return res, nil
}

// BinancePrice returns the last price of a Binance spot pair such as BTCUSDT.
func (m *Market) BinancePrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	t, err := m.binanceTicker(ctx, pair)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return t.LastPrice, nil
}

type venueQuote struct {
	venue     string
	price     decimal.Decimal
	volumeUSD decimal.Decimal
}

// FetchGlobal queries Binance, OKX and Bybit concurrently and returns the
// volume-weighted price of the venues that answered. Sources are ordered by volume.
func (m *Market) FetchGlobal(ctx context.Context, symbol string) (GlobalQuote, error) {
	fetchers := []func(context.Context, string) (venueQuote, error){m.binanceQuote, m.okxQuote, m.bybitQuote}

	var (
		mu     sync.Mutex
		quotes []venueQuote
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, fetch := range fetchers {
		g.Go(func() error {
			q, err := fetch(gctx, symbol)
			if err != nil {
				m.logger.Debug().Err(err).Str("symbol", symbol).Msg("global ticker unavailable")
				return nil
			}
			mu.Lock()
			quotes = append(quotes, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(quotes) == 0 {
		return GlobalQuote{}, fmt.Errorf("global %s: %w", symbol, ErrNoPrice)
	}
	return vwap(quotes), nil
}

func vwap(quotes []venueQuote) GlobalQuote {
	sort.Slice(quotes, func(i, j int) bool {
		if c := quotes[i].volumeUSD.Cmp(quotes[j].volumeUSD); c != 0 {
			return c > 0
		}
		return quotes[i].venue < quotes[j].venue
	})

	out := GlobalQuote{Sources: make([]string, 0, len(quotes))}
	weighted := decimal.Zero
	sum := decimal.Zero
	for _, q := range quotes {
		out.Sources = append(out.Sources, q.venue)
		out.VolumeUSD = out.VolumeUSD.Add(q.volumeUSD)
		weighted = weighted.Add(q.price.Mul(q.volumeUSD))
		sum = sum.Add(q.price)
	}
	if out.VolumeUSD.IsPositive() {
		out.PriceUSD = weighted.Div(out.VolumeUSD)
	} else {
		out.PriceUSD = sum.Div(decimal.NewFromInt(int64(len(quotes))))
	}
	return out
}

func (m *Market) binanceQuote(ctx context.Context, symbol string) (venueQuote, error) {
	t, err := m.binanceTicker(ctx, symbol+"USDT")
	if err != nil {
		return venueQuote{}, err
	}
	return venueQuote{venue: "binance", price: t.LastPrice, volumeUSD: t.QuoteVolume}, nil
}

func (m *Market) okxQuote(ctx context.Context, symbol string) (venueQuote, error) {
	var res struct {
		Data []struct {
			Last   decimal.Decimal `json:"last"`
			Vol24h decimal.Decimal `json:"vol24h"`
		} `json:"data"`
	}
	endpoint := m.opts.OKXURL + "/api/v5/market/ticker?instId=" + url.QueryEscape(symbol+"-USDT")
	if err := m.http.GetJSON(ctx, endpoint, &res); err != nil {
		return venueQuote{}, fmt.Errorf("fetch okx ticker: %w", err)
	}
	if len(res.Data) == 0 || !res.Data[0].Last.IsPositive() {
		return venueQuote{}, fmt.Errorf("okx %s: %w", symbol, ErrNoPrice)
	}
	t := res.Data[0]
	return venueQuote{venue: "okx", price: t.Last, volumeUSD: t.Vol24h.Mul(t.Last)}, nil
}

func (m *Market) bybitQuote(ctx context.Context, symbol string) (venueQuote, error) {
	var res struct {
		Result struct {
			List []struct {
				LastPrice   decimal.Decimal `json:"lastPrice"`
				Turnover24h decimal.Decimal `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	endpoint := m.opts.BybitURL + "/v5/market/tickers?category=spot&symbol=" + url.QueryEscape(symbol+"USDT")
	if err := m.http.GetJSON(ctx, endpoint, &res); err != nil {
		return venueQuote{}, fmt.Errorf("fetch bybit ticker: %w", err)
	}
	if len(res.Result.List) == 0 || !res.Result.List[0].LastPrice.IsPositive() {
		return venueQuote{}, fmt.Errorf("bybit %s: %w", symbol, ErrNoPrice)
	}
	t := res.Result.List[0]
	return venueQuote{venue: "bybit", price: t.LastPrice, volumeUSD: t.Turnover24h}, nil
}

// MarketCondition classifies the market from BTC's 24h change on Binance.
func (m *Market) MarketCondition(ctx context.Context) (string, error) {
	t, err := m.binanceTicker(ctx, "BTCUSDT")
	if err != nil {
		return "neutral", err
	}
	change := t.PriceChangePercent.InexactFloat64()
	switch {
	case change > m.opts.BullThresholdPct:
		return "bull", nil
	case change < -m.opts.BullThresholdPct:
		return "bear", nil
	default:
		return "neutral", nil
	}
}
