package fetcher

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when a venue answers but has no usable price.
var ErrNoPrice = errors.New("fetcher: no price")

// DomesticPriceFetcher retrieves the KRW last price on a domestic venue.
type DomesticPriceFetcher interface {
	FetchDomestic(ctx context.Context, venue, symbol string) (decimal.Decimal, error)
}

// GlobalPriceFetcher retrieves a volume-weighted USDT reference across global venues.
type GlobalPriceFetcher interface {
	FetchGlobal(ctx context.Context, symbol string) (GlobalQuote, error)
}

// FXFetcher resolves the KRW per USD rate.
type FXFetcher interface {
	FetchFX(ctx context.Context) (FXRate, error)
}

// HedgeFetcher reports where a perpetual for symbol can be shorted.
type HedgeFetcher interface {
	HedgeType(ctx context.Context, symbol string) (HedgeType, error)
}

// CongestionFetcher reports network congestion in [0, 1].
type CongestionFetcher interface {
	Congestion(ctx context.Context, network string) (float64, error)
}

// MarketConditionFetcher classifies the broad market as bull, neutral or bear.
type MarketConditionFetcher interface {
	MarketCondition(ctx context.Context) (string, error)
}

// GlobalQuote is a volume-weighted price across the venues that answered.
type GlobalQuote struct {
	PriceUSD  decimal.Decimal
	VolumeUSD decimal.Decimal
	Sources   []string
}

// TopVenue returns the venue with the most volume, or "".
func (q GlobalQuote) TopVenue() string {
	if len(q.Sources) == 0 {
		return ""
	}
	return q.Sources[0]
}

// FX sources, most trusted first.
const (
	FXBTCImplied  = "btc_implied"
	FXETHImplied  = "eth_implied"
	FXUSDTDirect  = "usdt_krw_direct"
	FXHardcoded   = "hardcoded_fallback"
	HardcodedRate = 1450
)

// FXRate is a KRW/USD rate with its provenance.
type FXRate struct {
	Rate   decimal.Decimal
	Source string
	Cached bool
}

// Trusted reports whether the rate was implied from a major pair.
func (r FXRate) Trusted() bool {
	return r.Source == FXBTCImplied || r.Source == FXETHImplied
}

// HedgeType is the best available hedge venue class.
type HedgeType string

const (
	HedgeCEX     HedgeType = "cex"
	HedgeDEXOnly HedgeType = "dex_only"
	HedgeNone    HedgeType = "none"
)
