package gate

import (
	"time"

	"github.com/shopspring/decimal"

	"listing-gate/internal/resilience"
)

// Network describes a withdrawal route.
type Network struct {
	AvgTransferMin    float64
	WithdrawalFeeUSDT decimal.Decimal
}

// Coefficient is a scenario adjustment learned from Samples historical cases.
type Coefficient struct {
	Value   float64
	Samples int
}

// VASP route statuses.
const (
	VASPOK      = "ok"
	VASPPartial = "partial"
	VASPBlocked = "blocked"
	VASPUnknown = "unknown"
)

// Config holds every gate constant. DefaultConfig returns production values.
type Config struct {
	TradeAmountKRW     decimal.Decimal
	DomesticTakerFee   decimal.Decimal
	GlobalTakerFee     decimal.Decimal
	DefaultSlippagePct decimal.Decimal
	UnfilledPenaltyPct decimal.Decimal
	GasWarnPct         decimal.Decimal
	HedgeCEXPct        decimal.Decimal
	HedgeDEXPct        decimal.Decimal
	MinNetProfitPct    decimal.Decimal
	MinGlobalVolumeUSD decimal.Decimal
	MaxTransferMin     float64
	DefaultNetwork     string
	Networks           map[string]Network
	// VASP maps domestic venue -> global venue -> route status.
	VASP map[string]map[string]string

	TGEWindow  time.Duration
	BookDepth  int
	CacheSize  int
	CacheTTL   time.Duration
	StageLimit time.Duration
	Retry      resilience.RetryOptions

	ScenarioBase      float64
	ScenarioUpbitBase float64
	MinSampleSize     int
	Coefficients      map[string]Coefficient
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		TradeAmountKRW:     decimal.NewFromInt(10_000_000),
		DomesticTakerFee:   decimal.RequireFromString("0.0005"),
		GlobalTakerFee:     decimal.RequireFromString("0.0010"),
		DefaultSlippagePct: decimal.NewFromInt(1),
		UnfilledPenaltyPct: decimal.NewFromInt(5),
		GasWarnPct:         decimal.NewFromInt(1),
		HedgeCEXPct:        decimal.RequireFromString("0.06"),
		HedgeDEXPct:        decimal.RequireFromString("0.05"),
		MinNetProfitPct:    decimal.Zero,
		MinGlobalVolumeUSD: decimal.NewFromInt(100_000),
		MaxTransferMin:     30,
		DefaultNetwork:     "ethereum",
		Networks: map[string]Network{
			"ethereum":  {AvgTransferMin: 5, WithdrawalFeeUSDT: decimal.NewFromInt(3)},
			"solana":    {AvgTransferMin: 1, WithdrawalFeeUSDT: decimal.RequireFromString("0.5")},
			"tron":      {AvgTransferMin: 3, WithdrawalFeeUSDT: decimal.NewFromInt(1)},
			"bsc":       {AvgTransferMin: 1, WithdrawalFeeUSDT: decimal.RequireFromString("0.3")},
			"polygon":   {AvgTransferMin: 3, WithdrawalFeeUSDT: decimal.RequireFromString("0.3")},
			"arbitrum":  {AvgTransferMin: 2, WithdrawalFeeUSDT: decimal.RequireFromString("0.5")},
			"base":      {AvgTransferMin: 2, WithdrawalFeeUSDT: decimal.RequireFromString("0.3")},
			"avalanche": {AvgTransferMin: 2, WithdrawalFeeUSDT: decimal.RequireFromString("0.5")},
		},
		VASP: map[string]map[string]string{
			"upbit": {
				"binance": VASPOK,
				"okx":     VASPOK,
				"bybit":   VASPBlocked,
			},
			"bithumb": {
				"binance": VASPOK,
				"okx":     VASPOK,
				"bybit":   VASPPartial,
			},
		},
		TGEWindow:  7 * 24 * time.Hour,
		BookDepth:  30,
		CacheSize:  1000,
		CacheTTL:   300 * time.Second,
		StageLimit: 10 * time.Second,
		Retry:      resilience.RetryOptions{MaxRetries: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},

		ScenarioBase:      0.51,
		ScenarioUpbitBase: 0.42,
		MinSampleSize:     10,
		Coefficients: map[string]Coefficient{
			"supply_constrained": {Value: 0.18, Samples: 29},
			"supply_smooth":      {Value: -0.16, Samples: 37},
			"hedge_cex":          {Value: 0, Samples: 45},
			"hedge_dex_only":     {Value: -0.15, Samples: 4},
			"hedge_none":         {Value: 0.37, Samples: 8},
			"market_bull":        {Value: 0.07, Samples: 25},
			"market_neutral":     {Value: 0.15, Samples: 32},
			"market_bear":        {Value: -0.38, Samples: 8},
		},
	}
}

// network returns the route for name, falling back to the default network.
func (c Config) network(name string) (string, Network) {
	if n, ok := c.Networks[name]; ok {
		return name, n
	}
	if n, ok := c.Networks[c.DefaultNetwork]; ok {
		return c.DefaultNetwork, n
	}
	return c.DefaultNetwork, Network{AvgTransferMin: 5, WithdrawalFeeUSDT: decimal.NewFromInt(1)}
}

// fastestNetwork picks the configured network with the lowest average
// transfer time among candidates.
func (c Config) fastestNetwork(candidates []string) string {
	best, bestMin := c.DefaultNetwork, 0.0
	found := false
	for _, name := range candidates {
		n, ok := c.Networks[name]
		if !ok {
			continue
		}
		if !found || n.AvgTransferMin < bestMin {
			best, bestMin, found = name, n.AvgTransferMin, true
		}
	}
	return best
}

// vaspStatus looks up the domestic->global route.
func (c Config) vaspStatus(domestic, global string) string {
	if global == "" {
		return VASPUnknown
	}
	if s, ok := c.VASP[domestic][global]; ok {
		return s
	}
	return VASPUnknown
}
