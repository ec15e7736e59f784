package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SpotSource is the subset of Market the FX chain needs.
type SpotSource interface {
	UpbitPrice(ctx context.Context, market string) (decimal.Decimal, error)
	BinancePrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

// FXOptions tune the fallback chain.
type FXOptions struct {
	CacheTTL      time.Duration
	HardcodedRate decimal.Decimal
}

// FX resolves KRW/USD through a fallback chain: BTC implied, ETH implied,
// Upbit USDT/KRW, the last resolved rate while younger than CacheTTL, and
// finally a hardcoded rate.
type FX struct {
	spot   SpotSource
	opts   FXOptions
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cached   *FXRate
	cachedAt time.Time
}

var _ FXFetcher = (*FX)(nil)

// NewFX builds the chain on top of spot.
func NewFX(spot SpotSource, opts FXOptions, logger zerolog.Logger) *FX {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if !opts.HardcodedRate.IsPositive() {
		opts.HardcodedRate = decimal.NewFromInt(HardcodedRate)
	}
	return &FX{
		spot:   spot,
		opts:   opts,
		logger: logger.With().Str("component", "fx").Logger(),
		now:    time.Now,
	}
}

// FetchFX never fails; the hardcoded rate is the last resort and is logged loudly.
func (f *FX) FetchFX(ctx context.Context) (FXRate, error) {
	if rate, ok := f.implied(ctx, "KRW-BTC", "BTCUSDT"); ok {
		return f.remember(rate, FXBTCImplied), nil
	}
	if rate, ok := f.implied(ctx, "KRW-ETH", "ETHUSDT"); ok {
		return f.remember(rate, FXETHImplied), nil
	}
	if usdt, err := f.spot.UpbitPrice(ctx, "KRW-USDT"); err == nil && usdt.IsPositive() {
		return f.remember(usdt, FXUSDTDirect), nil
	} else if err != nil {
		f.logger.Debug().Err(err).Msg("usdt/krw unavailable")
	}

	f.mu.Lock()
	cached, at := f.cached, f.cachedAt
	f.mu.Unlock()
	if cached != nil && f.now().Sub(at) < f.opts.CacheTTL {
		out := *cached
		out.Cached = true
		f.logger.Info().Str("source", out.Source).Dur("age", f.now().Sub(at)).Msg("using cached fx rate")
		return out, nil
	}

	f.logger.Error().Str("rate", f.opts.HardcodedRate.String()).Msg("all fx sources failed, using hardcoded rate")
	return FXRate{Rate: f.opts.HardcodedRate, Source: FXHardcoded}, nil
}

func (f *FX) implied(ctx context.Context, krwMarket, usdtPair string) (decimal.Decimal, bool) {
	krw, err := f.spot.UpbitPrice(ctx, krwMarket)
	if err != nil {
		f.logger.Debug().Err(err).Str("market", krwMarket).Msg("implied fx leg unavailable")
		return decimal.Decimal{}, false
	}
	usd, err := f.spot.BinancePrice(ctx, usdtPair)
	if err != nil || !usd.IsPositive() {
		f.logger.Debug().Err(err).Str("pair", usdtPair).Msg("implied fx leg unavailable")
		return decimal.Decimal{}, false
	}
	return krw.Div(usd), true
}

func (f *FX) remember(rate decimal.Decimal, source string) FXRate {
	out := FXRate{Rate: rate, Source: source}
	f.mu.Lock()
	f.cached = &out
	f.cachedAt = f.now()
	f.mu.Unlock()
	return out
}
