package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/fetcher"
	"listing-gate/internal/ingest"
	"listing-gate/internal/resilience"
)

type fakeMarket struct {
	domestic    decimal.Decimal
	domesticErr error
	global      fetcher.GlobalQuote
	globalErr   error
	fx          fetcher.FXRate
	hedge       fetcher.HedgeType
	supply      fetcher.SupplySnapshot
	supplyErr   error
	condition   string
	conditionEr error
}

func (f *fakeMarket) FetchDomestic(context.Context, string, string) (decimal.Decimal, error) {
	return f.domestic, f.domesticErr
}

func (f *fakeMarket) FetchGlobal(context.Context, string) (fetcher.GlobalQuote, error) {
	return f.global, f.globalErr
}

func (f *fakeMarket) FetchFX(context.Context) (fetcher.FXRate, error) { return f.fx, nil }

func (f *fakeMarket) HedgeType(context.Context, string) (fetcher.HedgeType, error) {
	return f.hedge, nil
}

func (f *fakeMarket) Supply(context.Context, string) (fetcher.SupplySnapshot, error) {
	return f.supply, f.supplyErr
}

func (f *fakeMarket) MarketCondition(context.Context) (string, error) {
	return f.condition, f.conditionEr
}

func (f *fakeMarket) Congestion(context.Context, string) (float64, error) { return 0, nil }

type fakeBooks map[string]ingest.Book

func (b fakeBooks) Top(instrument string, _ int) (ingest.Book, bool) {
	book, ok := b[instrument]
	return book, ok
}

type fakeListings map[string]bool

func (l fakeListings) Listed(venue, symbol string) bool { return l[venue+":"+symbol] }

type panicListings struct{}

func (panicListings) Listed(string, string) bool { panic("listing index corrupted") }

type fakeHistory struct {
	at  *time.Time
	err error
}

func (h fakeHistory) FirstListingAt(context.Context, string, string) (*time.Time, error) {
	return h.at, h.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = resilience.RetryOptions{MaxRetries: -1}
	return cfg
}

func btcFX(rate int64) fetcher.FXRate {
	return fetcher.FXRate{Rate: decimal.NewFromInt(rate), Source: fetcher.FXBTCImplied}
}

func healthyMarket() *fakeMarket {
	return &fakeMarket{
		domestic: decimal.NewFromInt(1520),
		global: fetcher.GlobalQuote{
			PriceUSD:  decimal.NewFromInt(1),
			VolumeUSD: decimal.NewFromInt(2_000_000),
			Sources:   []string{"binance", "okx"},
		},
		fx:        btcFX(1450),
		hedge:     fetcher.HedgeCEX,
		supply:    fetcher.SupplySnapshot{Networks: []string{"ethereum", "solana"}},
		condition: MarketBull,
	}
}

func newAnalyzer(t *testing.T, m *fakeMarket, deps Deps) *Analyzer {
	t.Helper()
	deps.Domestic, deps.Global, deps.FX = m, m, m
	deps.Hedge, deps.Supply, deps.Market, deps.Congestion = m, m, m, m
	a, err := New(testConfig(), deps, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func seedObservation(fx fetcher.FXRate) Observation {
	premium, _ := ComputePremium(decimal.NewFromInt(100), decimal.RequireFromString("0.092"), fx)
	return Observation{
		Symbol:  "XYZ",
		Venue:   "bithumb",
		Premium: premium,
		Cost:    Cost{TotalPct: decimal.NewFromInt(3)},
		Global: fetcher.GlobalQuote{
			PriceUSD:  decimal.RequireFromString("0.092"),
			VolumeUSD: decimal.NewFromInt(1_000_000),
			Sources:   []string{"binance"},
		},
		Hedge:           fetcher.HedgeCEX,
		Network:         "solana",
		TransferMinutes: 1.2,
		MarketCondition: MarketNeutral,
	}
}

func TestSeedExampleTrustedFX(t *testing.T) {
	a := newAnalyzer(t, healthyMarket(), Deps{})

	res := a.Evaluate(context.Background(), seedObservation(btcFX(1000)), time.Now())

	require.True(t, res.Proceed)
	assert.Empty(t, res.Blockers)
	assert.Equal(t, "8.70", res.Premium.Pct.StringFixed(2))
	assert.Equal(t, "5.70", res.NetProfitPct.StringFixed(2))
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.True(t, res.Action.Actionable())
	assert.Equal(t, ListingDirect, res.ListingType)
	assert.Len(t, res.Stages, 5)
	assert.Len(t, res.Scenarios, 3)
	assert.Equal(t, "GO", res.Verdict())
}

func TestSeedExampleHardcodedFX(t *testing.T) {
	a := newAnalyzer(t, healthyMarket(), Deps{})
	fx := fetcher.FXRate{Rate: decimal.NewFromInt(1000), Source: fetcher.FXHardcoded}

	res := a.Evaluate(context.Background(), seedObservation(fx), time.Now())

	require.True(t, res.Proceed)
	assert.Equal(t, "8.70", res.Premium.Pct.StringFixed(2))
	assert.Equal(t, "5.70", res.NetProfitPct.StringFixed(2))
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Equal(t, ActionWatchOnly, res.Action)
	assert.Contains(t, res.Warnings, "FX source hardcoded, premium unreliable (watch only)")
}

func TestAnalyzeEndToEnd(t *testing.T) {
	m := healthyMarket()
	books := fakeBooks{"XYZ": {
		Instrument: "XYZ",
		Asks:       []ingest.Level{{Price: decimal.NewFromInt(1520), Quantity: decimal.NewFromInt(100_000)}},
	}}
	a := newAnalyzer(t, m, Deps{
		Books:    map[string]BookSource{"upbit": books},
		Listings: fakeListings{},
		History:  fakeHistory{},
	})

	res := a.Analyze(context.Background(), "xyz", "upbit")

	require.True(t, res.Proceed, res.Blockers)
	assert.Equal(t, "XYZ", res.Symbol)
	assert.Equal(t, "solana", res.Network)
	assert.InDelta(t, 1.0, res.TransferMinutes, 1e-9)
	assert.InDelta(t, 0, res.Cost.SlippagePct.InexactFloat64(), 1e-9)
	assert.Equal(t, "0.15", res.Cost.ExchangeFeePct.StringFixed(2))
	assert.Equal(t, "4.83", res.Premium.Pct.StringFixed(2))
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.Equal(t, "binance", res.TopVenue)
	for _, st := range res.Stages {
		assert.NotEqual(t, StatusBlocked, st.Status, st.Stage)
	}

	rec := res.Record()
	assert.Equal(t, "CRITICAL", rec.Severity)
	assert.Equal(t, "4.83", rec.PremiumPct.StringFixed(2))
	assert.Contains(t, string(rec.Payload), `"listing_type":"DIRECT"`)
}

func TestDegradedStagesNeverBlock(t *testing.T) {
	m := healthyMarket()
	m.supplyErr = errors.New("dexscreener down")
	m.conditionEr = errors.New("binance down")
	a := newAnalyzer(t, m, Deps{
		Listings: panicListings{},
		History:  fakeHistory{},
	})

	res := a.Analyze(context.Background(), "XYZ", "bithumb")

	require.True(t, res.Proceed, res.Blockers)
	byStage := map[string]StageResult{}
	for _, st := range res.Stages {
		byStage[st.Stage] = st
	}
	assert.Equal(t, StatusDegraded, byStage["supply"].Status)
	assert.Equal(t, StatusDegraded, byStage["listing_type"].Status)
	assert.Equal(t, "listing index corrupted", byStage["listing_type"].Reason)
	assert.Equal(t, StatusDegraded, byStage["scenario"].Status)
	assert.Equal(t, ListingUnknown, res.ListingType)
	assert.Equal(t, ActionWatchOnly, res.Action)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Contains(t, res.Warnings, "listing_type stage failed")
}

func TestSupplyLookupFailureKeepsTransferFactor(t *testing.T) {
	m := healthyMarket()
	m.supplyErr = errors.New("dexscreener down")
	a := newAnalyzer(t, m, Deps{Listings: fakeListings{}, History: fakeHistory{}})

	res := a.Analyze(context.Background(), "XYZ", "upbit")

	require.True(t, res.Proceed, res.Blockers)
	require.Len(t, res.Supply.Factors, 1)
	assert.Equal(t, "network", res.Supply.Factors[0].Name)
	assert.Equal(t, SupplySmooth, res.Supply.Class, "1 minute solana transfer scores +0.6")
	assert.Contains(t, res.Warnings, "supply lookup failed, classified on transfer time only")

	m.supplyErr = nil
	again := a.Analyze(context.Background(), "XYZ", "upbit")
	assert.NotContains(t, again.Warnings, "supply lookup failed, classified on transfer time only", "failed lookups are not cached")
}

func TestBlockedSeverities(t *testing.T) {
	t.Run("domestic unavailable", func(t *testing.T) {
		m := healthyMarket()
		m.domesticErr = resilience.Permanent(errors.New("no market"))
		res := newAnalyzer(t, m, Deps{}).Analyze(context.Background(), "XYZ", "upbit")
		assert.False(t, res.Proceed)
		assert.Equal(t, []string{BlockDomesticUnavailable}, res.Blockers)
		assert.Equal(t, SeverityLow, res.Severity)
		assert.Equal(t, ActionNoTrade, res.Action)
		assert.Equal(t, "NO-GO", res.Verdict())
	})
	t.Run("global unavailable", func(t *testing.T) {
		m := healthyMarket()
		m.globalErr = fetcher.ErrNoPrice
		res := newAnalyzer(t, m, Deps{}).Analyze(context.Background(), "XYZ", "upbit")
		assert.Equal(t, []string{BlockGlobalUnavailable}, res.Blockers)
		assert.Equal(t, SeverityMedium, res.Severity)
		assert.Equal(t, ActionNoTrade, res.Action)
	})
	t.Run("unprofitable", func(t *testing.T) {
		m := healthyMarket()
		m.domestic = decimal.NewFromInt(1450)
		res := newAnalyzer(t, m, Deps{}).Analyze(context.Background(), "XYZ", "upbit")
		require.False(t, res.Proceed)
		assert.Contains(t, res.Blockers[0], "net profit")
		assert.Equal(t, SeverityHigh, res.Severity)
		assert.Equal(t, ActionNoTrade, res.Action)
		assert.Len(t, res.Stages, 1)
	})
	t.Run("withdrawals suspended", func(t *testing.T) {
		m := healthyMarket()
		closed := false
		m.supply.WithdrawalOpen = &closed
		res := newAnalyzer(t, m, Deps{}).Analyze(context.Background(), "XYZ", "upbit")
		require.False(t, res.Proceed)
		assert.Equal(t, "withdrawals suspended for XYZ", res.Blockers[0])
	})
}

func TestHardGateRules(t *testing.T) {
	cfg := DefaultConfig()
	obs := seedObservation(btcFX(1000))

	obs.TransferMinutes = 31
	obs.Global.Sources = []string{"bybit"}
	obs.Venue = "upbit"
	obs.Global.VolumeUSD = decimal.NewFromInt(50_000)
	obs.Hedge = fetcher.HedgeDEXOnly
	obs.Cost.GasWarn = true

	hg := CheckHardGate(cfg, obs)
	assert.Equal(t, StatusBlocked, hg.Stage.Status)
	require.Len(t, hg.Blockers, 2)
	assert.Contains(t, hg.Blockers[0], "transfer time 31 min")
	assert.Equal(t, "VASP route blocked: upbit -> bybit", hg.Blockers[1])
	assert.Len(t, hg.Warnings, 3)

	obs = seedObservation(btcFX(1000))
	obs.Global.Sources = nil
	hg = CheckHardGate(cfg, obs)
	assert.Equal(t, StatusOK, hg.Stage.Status)
	assert.Contains(t, hg.Warnings, "VASP route bithumb ->  is unknown")
}

func TestSupplyCacheServesRepeatAnalyses(t *testing.T) {
	m := healthyMarket()
	liq := 900_000.0
	m.supply.DEXLiquidityUSD = &liq
	a := newAnalyzer(t, m, Deps{History: fakeHistory{}})

	first := a.Analyze(context.Background(), "XYZ", "upbit")
	m.supply = fetcher.SupplySnapshot{}
	second := a.Analyze(context.Background(), "XYZ", "upbit")

	assert.Equal(t, first.Supply, second.Supply)
	assert.Equal(t, first.Scenarios, second.Scenarios)
}

func TestNewRejectsUnroutedDefaultNetwork(t *testing.T) {
	m := healthyMarket()
	cfg := testConfig()
	cfg.DefaultNetwork = "aptos"
	_, err := New(cfg, Deps{Domestic: m, Global: m, FX: m}, zerolog.Nop())
	assert.Error(t, err)

	cfg.Networks["aptos"] = Network{AvgTransferMin: 1, WithdrawalFeeUSDT: decimal.NewFromInt(1)}
	_, err = New(cfg, Deps{Domestic: m, Global: m, FX: m}, zerolog.Nop())
	assert.NoError(t, err)
}
