package gate

import (
	"github.com/shopspring/decimal"

	"listing-gate/internal/fetcher"
	"listing-gate/internal/ingest"
)

// EstimateSlippage walks asks for amountKRW and returns the average fill
// price's distance from the best ask in percent. Without a book it returns
// the default; any unfilled remainder adds penaltyPct times the unfilled ratio.
func EstimateSlippage(asks []ingest.Level, amountKRW, defaultPct, penaltyPct decimal.Decimal) decimal.Decimal {
	if len(asks) == 0 || !amountKRW.IsPositive() {
		return defaultPct
	}
	best := asks[0].Price
	if !best.IsPositive() {
		return defaultPct
	}

	remaining := amountKRW
	spent := decimal.Zero
	qty := decimal.Zero
	for _, lvl := range asks {
		if !lvl.Price.IsPositive() || !lvl.Quantity.IsPositive() {
			continue
		}
		value := lvl.Price.Mul(lvl.Quantity)
		if remaining.LessThanOrEqual(value) {
			spent = spent.Add(remaining)
			qty = qty.Add(remaining.Div(lvl.Price))
			remaining = decimal.Zero
			break
		}
		spent = spent.Add(value)
		qty = qty.Add(lvl.Quantity)
		remaining = remaining.Sub(value)
	}
	if !qty.IsPositive() {
		return defaultPct
	}

	avg := spent.Div(qty)
	pct := avg.Sub(best).Div(best).Mul(hundred)
	if remaining.IsPositive() {
		pct = pct.Add(remaining.Div(amountKRW).Mul(penaltyPct))
	}
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}

// CostInput collects everything the cost model depends on.
type CostInput struct {
	Network string
	Hedge   fetcher.HedgeType
	FXRate  decimal.Decimal
	Asks    []ingest.Level
}

// ComputeCost totals exchange fees, slippage, withdrawal gas and hedge cost.
func ComputeCost(cfg Config, in CostInput) Cost {
	amount := cfg.TradeAmountKRW
	feePct := cfg.DomesticTakerFee.Add(cfg.GlobalTakerFee).Mul(hundred)
	slippage := EstimateSlippage(in.Asks, amount, cfg.DefaultSlippagePct, cfg.UnfilledPenaltyPct)

	_, net := cfg.network(in.Network)
	gasKRW := net.WithdrawalFeeUSDT.Mul(in.FXRate)
	gasPct := decimal.Zero
	if amount.IsPositive() {
		gasPct = gasKRW.Div(amount).Mul(hundred)
	}

	var hedgePct decimal.Decimal
	switch in.Hedge {
	case fetcher.HedgeCEX:
		hedgePct = cfg.HedgeCEXPct
	case fetcher.HedgeDEXOnly:
		hedgePct = cfg.HedgeDEXPct
	default:
		hedgePct = decimal.Zero
	}

	return Cost{
		ExchangeFeePct: feePct,
		SlippagePct:    slippage,
		GasKRW:         gasKRW,
		GasPct:         gasPct,
		HedgePct:       hedgePct,
		TotalPct:       feePct.Add(slippage).Add(gasPct).Add(hedgePct),
		GasWarn:        gasPct.GreaterThan(cfg.GasWarnPct),
	}
}

// TransferMinutes scales the network's average transfer time by congestion.
func TransferMinutes(cfg Config, network string, congestion float64) float64 {
	_, net := cfg.network(network)
	return net.AvgTransferMin * (1 + congestion)
}
