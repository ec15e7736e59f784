package gate

import (
	"errors"

	"github.com/shopspring/decimal"

	"listing-gate/internal/fetcher"
)

var hundred = decimal.NewFromInt(100)

// ComputePremium returns (domestic - global*fx) / (global*fx) * 100.
func ComputePremium(domesticKRW, globalUSD decimal.Decimal, fx fetcher.FXRate) (Premium, error) {
	if !domesticKRW.IsPositive() {
		return Premium{}, errors.New("domestic price must be positive")
	}
	if !globalUSD.IsPositive() || !fx.Rate.IsPositive() {
		return Premium{}, errors.New("global reference must be positive")
	}
	globalKRW := globalUSD.Mul(fx.Rate)
	return Premium{
		DomesticKRW: domesticKRW,
		GlobalUSD:   globalUSD,
		GlobalKRW:   globalKRW,
		FXRate:      fx.Rate,
		FXSource:    fx.Source,
		Pct:         domesticKRW.Sub(globalKRW).Div(globalKRW).Mul(hundred),
	}, nil
}
