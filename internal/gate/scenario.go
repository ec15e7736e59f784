package gate

import (
	"fmt"
	"math"

	"listing-gate/internal/fetcher"
)

// Market conditions.
const (
	MarketBull    = "bull"
	MarketNeutral = "neutral"
	MarketBear    = "bear"
)

var headlines = map[Outcome]string{
	OutcomeHeungBig: "Large premium likely: constrained supply and no hedge venue",
	OutcomeHeung:    "Premium likely to hold",
	OutcomeNeutral:  "Ordinary listing expected",
	OutcomeMang:     "Premium likely to collapse: ample supply or easy hedging",
}

const insufficientInfo = "insufficient information, manual review required"

// ScenarioInput is everything the planner reads.
type ScenarioInput struct {
	Venue           string
	Supply          SupplyClass
	Hedge           fetcher.HedgeType
	MarketCondition string
	Listing         ListingType
}

// Planner produces scenario cards from shrunk historical coefficients.
type Planner struct {
	cfg Config
}

// NewPlanner builds a planner.
func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

func (p *Planner) coeff(key string) float64 {
	c, ok := p.cfg.Coefficients[key]
	if !ok {
		return 0
	}
	n := p.cfg.MinSampleSize
	if n <= 0 {
		return c.Value
	}
	return c.Value * math.Min(1, float64(c.Samples)/float64(n))
}

// Probability returns the clamped probability of a sustained premium and the
// contribution of each factor.
func (p *Planner) Probability(in ScenarioInput) (prob, supply, hedge, market float64) {
	base := p.cfg.ScenarioBase
	if in.Venue == "upbit" {
		base = p.cfg.ScenarioUpbitBase
	}
	switch in.Supply {
	case SupplyConstrained, SupplySmooth:
		supply = p.coeff("supply_" + string(in.Supply))
	}
	hedge = p.coeff("hedge_" + string(in.Hedge))
	cond := in.MarketCondition
	if cond == "" {
		cond = MarketNeutral
	}
	market = p.coeff("market_" + cond)

	prob = math.Max(0, math.Min(1, base+supply+hedge+market))
	return prob, supply, hedge, market
}

func predictOutcome(prob float64, hedge fetcher.HedgeType, supply SupplyClass) (Outcome, float64) {
	switch {
	case hedge == fetcher.HedgeNone && supply == SupplyConstrained && prob >= 0.7:
		return OutcomeHeungBig, prob
	case prob >= 0.5:
		return OutcomeHeung, prob
	case prob >= 0.4:
		return OutcomeNeutral, 1 - math.Abs(prob-0.45)*4
	default:
		return OutcomeMang, 1 - prob
	}
}

// Card builds one card for kind (best, likely, worst).
func (p *Planner) Card(kind string, in ScenarioInput) ScenarioCard {
	prob, supplyC, hedgeC, marketC := p.Probability(in)
	outcome, conf := predictOutcome(prob, in.Hedge, in.Supply)

	var factors []string
	switch in.Supply {
	case SupplyConstrained:
		factors = append(factors, fmt.Sprintf("supply constrained (%+.1f%%p)", supplyC*100))
	case SupplySmooth:
		factors = append(factors, fmt.Sprintf("supply smooth (%+.1f%%p)", supplyC*100))
	case SupplyUnknown:
		factors = append(factors, "supply unknown (neutral)")
	}
	switch in.Hedge {
	case fetcher.HedgeNone:
		factors = append(factors, fmt.Sprintf("no hedge venue (%+.1f%%p)", hedgeC*100))
	case fetcher.HedgeDEXOnly:
		factors = append(factors, fmt.Sprintf("DEX perpetuals only (%+.1f%%p)", hedgeC*100))
	default:
		factors = append(factors, "CEX hedge available (baseline)")
	}
	cond := in.MarketCondition
	if cond == "" {
		cond = MarketNeutral
	}
	factors = append(factors, fmt.Sprintf("%s market (%+.1f%%p)", cond, marketC*100))
	factors = append(factors, "listing type "+string(in.Listing))

	return ScenarioCard{
		Kind:        kind,
		Outcome:     outcome,
		Probability: math.Round(prob*1000) / 1000,
		Confidence:  math.Round(math.Max(0, conf)*1000) / 1000,
		Headline:    headlines[outcome],
		Factors:     factors,
	}
}

// Cards returns best (bull market), likely (observed market) and worst
// (bear market) cards.
func (p *Planner) Cards(in ScenarioInput) []ScenarioCard {
	best, worst := in, in
	best.MarketCondition = MarketBull
	worst.MarketCondition = MarketBear
	return []ScenarioCard{
		p.Card("best", best),
		p.Card("likely", in),
		p.Card("worst", worst),
	}
}

// InsufficientCard is returned when scenario planning fails.
func InsufficientCard() ScenarioCard {
	return ScenarioCard{Kind: "likely", Outcome: OutcomeNeutral, Headline: insufficientInfo}
}
