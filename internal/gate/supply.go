package gate

import (
	"fmt"
	"math"
)

// SupplyInputs are the observable supply signals. Nil means not observed.
type SupplyInputs struct {
	HotWalletUSD     *float64
	DEXLiquidityUSD  *float64
	WithdrawalOpen   *bool
	AirdropClaimRate *float64
	NetworkMinutes   *float64
	// Turnover is 5-minute domestic volume divided by deposits.
	Turnover *float64
	// Confidence per factor name; absent means 1.
	Confidence map[string]float64
}

const lowConfidence = 0.3

var (
	supplyWeights = map[string]float64{
		"hot_wallet":    0.30,
		"dex_liquidity": 0.25,
		"withdrawal":    0.20,
		"airdrop":       0.15,
		"network":       0.10,
	}
	// used when the airdrop factor is unavailable
	supplyFallbackWeights = map[string]float64{
		"hot_wallet":    0.35,
		"dex_liquidity": 0.30,
		"withdrawal":    0.23,
		"network":       0.12,
	}
	supplyOrder = []string{"hot_wallet", "dex_liquidity", "withdrawal", "airdrop", "network"}
)

type band struct {
	min   float64
	score float64
}

func scoreBands(v float64, bands []band, floor float64) float64 {
	for _, b := range bands {
		if v >= b.min {
			return b.score
		}
	}
	return floor
}

func hotWalletScore(usd float64) float64 {
	return scoreBands(usd, []band{{1_000_000, 0.8}, {500_000, 0.4}, {100_000, 0}, {50_000, -0.4}}, -0.8)
}

func dexScore(usd float64) float64 {
	return scoreBands(usd, []band{{500_000, 0.8}, {200_000, 0.4}, {50_000, 0}, {10_000, -0.4}}, -0.8)
}

func airdropScore(rate float64) float64 {
	return scoreBands(rate, []band{{0.8, 0.8}, {0.5, 0.3}, {0.2, -0.3}}, -0.8)
}

func networkScore(minutes float64) float64 {
	switch {
	case minutes <= 2:
		return 0.6
	case minutes <= 5:
		return 0.3
	case minutes <= 15:
		return 0
	case minutes <= 30:
		return -0.4
	default:
		return -0.8
	}
}

func turnoverAdjustment(ratio float64) float64 {
	return scoreBands(ratio, []band{{10, -1}, {5, -0.6}, {2.1, -0.2}, {1, 0.2}}, 0.6)
}

// ClassifySupply scores the available factors. Missing factors are excluded
// and the remaining weights renormalised; factors below 0.3 confidence count
// at half weight.
func ClassifySupply(in SupplyInputs) Supply {
	raw := make(map[string]float64, len(supplyOrder))
	if in.HotWalletUSD != nil {
		raw["hot_wallet"] = hotWalletScore(*in.HotWalletUSD)
	}
	if in.DEXLiquidityUSD != nil {
		raw["dex_liquidity"] = dexScore(*in.DEXLiquidityUSD)
	}
	if in.WithdrawalOpen != nil {
		if *in.WithdrawalOpen {
			raw["withdrawal"] = 0.6
		} else {
			raw["withdrawal"] = -1
		}
	}
	if in.AirdropClaimRate != nil {
		raw["airdrop"] = airdropScore(*in.AirdropClaimRate)
	}
	if in.NetworkMinutes != nil {
		raw["network"] = networkScore(*in.NetworkMinutes)
	}

	if len(raw) == 0 {
		return Supply{Class: SupplyUnknown, Warnings: []string{"supply inputs unavailable"}}
	}

	var out Supply
	weights := supplyWeights
	if _, ok := raw["airdrop"]; !ok {
		weights = supplyFallbackWeights
		out.Warnings = append(out.Warnings, "airdrop data unavailable, fallback weights applied")
	}

	var sum, total float64
	for _, name := range supplyOrder {
		score, ok := raw[name]
		if !ok {
			continue
		}
		w := weights[name]
		conf := 1.0
		if c, ok := in.Confidence[name]; ok {
			conf = c
		}
		if conf < lowConfidence {
			w /= 2
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s confidence low (%.0f%%)", name, conf*100))
		}
		out.Factors = append(out.Factors, SupplyFactor{Name: name, Score: score, Weight: w, Confidence: conf})
		sum += score * w
		total += w
	}
	if total == 0 {
		return Supply{Class: SupplyUnknown, Warnings: append(out.Warnings, "supply weights empty")}
	}

	score := sum / total
	if in.Turnover != nil {
		score = (score + turnoverAdjustment(*in.Turnover)) / 2
	}
	out.Score = math.Round(score*10000) / 10000

	switch {
	case out.Score < -0.3:
		out.Class = SupplyConstrained
	case out.Score > 0.3:
		out.Class = SupplySmooth
	default:
		out.Class = SupplyNeutral
	}
	return out
}
