package gate

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"listing-gate/internal/fetcher"
	"listing-gate/internal/storage"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusBlocked  Status = "blocked"
)

// StageResult records how a stage ended. Only the hard-gate stage may report
// StatusBlocked.
type StageResult struct {
	Stage   string `json:"stage"`
	Status  Status `json:"status"`
	Warning string `json:"warning,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Action is the recommended trading posture.
type Action string

const (
	ActionAggressive   Action = "AGGRESSIVE"
	ActionModerate     Action = "MODERATE"
	ActionConservative Action = "CONSERVATIVE"
	ActionWatchOnly    Action = "WATCH_ONLY"
	ActionNoTrade      Action = "NO_TRADE"
)

// Actionable reports whether the action implies taking a position.
func (a Action) Actionable() bool {
	switch a {
	case ActionAggressive, ActionModerate, ActionConservative:
		return true
	default:
		return false
	}
}

// SupplyClass summarises how easily supply can reach the domestic venue.
type SupplyClass string

const (
	SupplyConstrained SupplyClass = "constrained"
	SupplySmooth      SupplyClass = "smooth"
	SupplyNeutral     SupplyClass = "neutral"
	SupplyUnknown     SupplyClass = "unknown"
)

// ListingType describes where the asset already trades.
type ListingType string

const (
	ListingTGE     ListingType = "TGE"
	ListingDirect  ListingType = "DIRECT"
	ListingSide    ListingType = "SIDE"
	ListingUnknown ListingType = "UNKNOWN"
)

// Severity is the notification priority of a verdict.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Premium compares the domestic price with the FX-converted global reference.
type Premium struct {
	DomesticKRW decimal.Decimal `json:"domestic_krw"`
	GlobalUSD   decimal.Decimal `json:"global_usd"`
	GlobalKRW   decimal.Decimal `json:"global_krw"`
	FXRate      decimal.Decimal `json:"fx_rate"`
	FXSource    string          `json:"fx_source"`
	Pct         decimal.Decimal `json:"pct"`
}

// Cost breaks down round-trip costs as percentages of the trade amount.
type Cost struct {
	ExchangeFeePct decimal.Decimal `json:"exchange_fee_pct"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`
	GasKRW         decimal.Decimal `json:"gas_krw"`
	GasPct         decimal.Decimal `json:"gas_pct"`
	HedgePct       decimal.Decimal `json:"hedge_pct"`
	TotalPct       decimal.Decimal `json:"total_pct"`
	GasWarn        bool            `json:"gas_warn"`
}

// SupplyFactor is one scored input of the supply classifier.
type SupplyFactor struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// Supply is the supply classification.
type Supply struct {
	Class    SupplyClass    `json:"class"`
	Score    float64        `json:"score"`
	Factors  []SupplyFactor `json:"factors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Outcome is a predicted post-listing premium regime.
type Outcome string

const (
	OutcomeHeungBig Outcome = "heung_big"
	OutcomeHeung    Outcome = "heung"
	OutcomeNeutral  Outcome = "neutral"
	OutcomeMang     Outcome = "mang"
)

// ScenarioCard is a human-readable forecast for one market assumption.
type ScenarioCard struct {
	Kind        string   `json:"kind"`
	Outcome     Outcome  `json:"outcome"`
	Probability float64  `json:"probability"`
	Confidence  float64  `json:"confidence"`
	Headline    string   `json:"headline"`
	Factors     []string `json:"factors,omitempty"`
}

// Result is an immutable gate verdict.
type Result struct {
	Symbol          string            `json:"symbol"`
	Venue           string            `json:"venue"`
	Proceed         bool              `json:"proceed"`
	Blockers        []string          `json:"blockers"`
	Warnings        []string          `json:"warnings"`
	Premium         *Premium          `json:"premium,omitempty"`
	Cost            *Cost             `json:"cost,omitempty"`
	NetProfitPct    *decimal.Decimal  `json:"net_profit_pct,omitempty"`
	Supply          Supply            `json:"supply"`
	ListingType     ListingType       `json:"listing_type"`
	Action          Action            `json:"action"`
	Scenarios       []ScenarioCard    `json:"scenarios,omitempty"`
	Severity        Severity          `json:"severity"`
	FXSource        string            `json:"fx_source,omitempty"`
	HedgeType       fetcher.HedgeType `json:"hedge_type,omitempty"`
	Network         string            `json:"network,omitempty"`
	TransferMinutes float64           `json:"transfer_minutes,omitempty"`
	GlobalVolumeUSD decimal.Decimal   `json:"global_volume_usd"`
	TopVenue        string            `json:"top_venue,omitempty"`
	Stages          []StageResult     `json:"stages"`
	AnalyzedAt      time.Time         `json:"analyzed_at"`
	Duration        time.Duration     `json:"duration"`
}

// Verdict renders the go/no-go decision.
func (r Result) Verdict() string {
	if r.Proceed {
		return "GO"
	}
	return "NO-GO"
}

// Record converts the result into its persisted form.
func (r Result) Record() storage.GateRecord {
	payload, err := json.Marshal(r)
	if err != nil {
		payload = []byte("{}")
	}
	rec := storage.GateRecord{
		Symbol:        r.Symbol,
		Venue:         r.Venue,
		AnalyzedAt:    r.AnalyzedAt,
		Proceed:       r.Proceed,
		Severity:      string(r.Severity),
		Action:        string(r.Action),
		FXSource:      r.FXSource,
		Blockers:      r.Blockers,
		Warnings:      r.Warnings,
		Payload:       payload,
		DurationMilli: r.Duration.Milliseconds(),
	}
	if r.Premium != nil {
		p := r.Premium.Pct
		rec.PremiumPct = &p
	}
	if r.NetProfitPct != nil {
		n := *r.NetProfitPct
		rec.NetProfitPct = &n
	}
	return rec
}
