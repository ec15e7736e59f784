package gate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"listing-gate/internal/fetcher"
)

// Observation is the gathered state for one (symbol, venue) analysis.
type Observation struct {
	Symbol          string
	Venue           string
	Premium         Premium
	Cost            Cost
	Global          fetcher.GlobalQuote
	Hedge           fetcher.HedgeType
	HedgeErr        error
	Network         string
	TransferMinutes float64
	Supply          fetcher.SupplySnapshot
	SupplyErr       error
	MarketCondition string
	MarketErr       error
	FirstListedAt   *time.Time
	HistoryErr      error
}

// HardGate is the outcome of the blocking stage.
type HardGate struct {
	Stage        StageResult
	Blockers     []string
	Warnings     []string
	NetProfitPct decimal.Decimal
}

// CheckHardGate evaluates the blockers and the non-blocking warnings.
func CheckHardGate(cfg Config, obs Observation) HardGate {
	var blockers, warnings []string
	net := obs.Premium.Pct.Sub(obs.Cost.TotalPct)

	if obs.Supply.DepositOpen != nil && !*obs.Supply.DepositOpen {
		blockers = append(blockers, "deposits suspended for "+obs.Symbol)
	}
	if obs.Supply.WithdrawalOpen != nil && !*obs.Supply.WithdrawalOpen {
		blockers = append(blockers, "withdrawals suspended for "+obs.Symbol)
	}
	if net.LessThanOrEqual(cfg.MinNetProfitPct) {
		blockers = append(blockers, fmt.Sprintf("net profit %s%% not above %s%% (premium %s%% - cost %s%%)",
			net.StringFixed(2), cfg.MinNetProfitPct.StringFixed(2),
			obs.Premium.Pct.StringFixed(2), obs.Cost.TotalPct.StringFixed(2)))
	}
	if obs.TransferMinutes > cfg.MaxTransferMin {
		blockers = append(blockers, fmt.Sprintf("transfer time %.0f min exceeds %.0f min on %s",
			obs.TransferMinutes, cfg.MaxTransferMin, obs.Network))
	}
	top := obs.Global.TopVenue()
	vasp := cfg.vaspStatus(obs.Venue, top)
	if vasp == VASPBlocked {
		blockers = append(blockers, fmt.Sprintf("VASP route blocked: %s -> %s", obs.Venue, top))
	}

	if obs.Global.VolumeUSD.LessThan(cfg.MinGlobalVolumeUSD) {
		warnings = append(warnings, fmt.Sprintf("thin global liquidity: 24h volume $%s (min $%s)",
			obs.Global.VolumeUSD.StringFixed(0), cfg.MinGlobalVolumeUSD.StringFixed(0)))
	}
	if obs.Cost.GasWarn {
		warnings = append(warnings, fmt.Sprintf("gas cost %s%% on %s (%s KRW)",
			obs.Cost.GasPct.StringFixed(2), obs.Network, obs.Cost.GasKRW.StringFixed(0)))
	}
	if obs.Hedge == fetcher.HedgeDEXOnly {
		warnings = append(warnings, "DEX-only hedge: no CEX perpetual")
	}
	if obs.HedgeErr != nil {
		warnings = append(warnings, "hedge lookup degraded: "+obs.HedgeErr.Error())
	}
	if vasp == VASPPartial || vasp == VASPUnknown {
		warnings = append(warnings, fmt.Sprintf("VASP route %s -> %s is %s", obs.Venue, top, vasp))
	}
	if obs.Premium.FXSource == fetcher.FXHardcoded {
		warnings = append(warnings, "FX source hardcoded, premium unreliable (watch only)")
	}

	stage := StageResult{Stage: "hard_gate", Status: StatusOK}
	if len(blockers) > 0 {
		stage.Status = StatusBlocked
		stage.Reason = blockers[0]
	}
	return HardGate{Stage: stage, Blockers: blockers, Warnings: warnings, NetProfitPct: net}
}
