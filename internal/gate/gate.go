package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"listing-gate/internal/fetcher"
	"listing-gate/internal/ingest"
	"listing-gate/internal/metrics"
	"listing-gate/internal/resilience"
)

// BookSource exposes the top of a venue's order books.
type BookSource interface {
	Top(instrument string, n int) (ingest.Book, bool)
}

// ListingChecker reports current listings per venue.
type ListingChecker interface {
	Listed(venue, symbol string) bool
}

// ListingHistory returns when a symbol was first seen listed on a venue.
type ListingHistory interface {
	FirstListingAt(ctx context.Context, symbol, venue string) (*time.Time, error)
}

// Deps are the external services the analyzer calls. Nil optional
// dependencies degrade the stages that need them.
type Deps struct {
	Domestic   fetcher.DomesticPriceFetcher
	Global     fetcher.GlobalPriceFetcher
	FX         fetcher.FXFetcher
	Hedge      fetcher.HedgeFetcher
	Congestion fetcher.CongestionFetcher
	Market     fetcher.MarketConditionFetcher
	Supply     fetcher.SupplyFetcher
	Books      map[string]BookSource
	Listings   ListingChecker
	History    ListingHistory
	Breakers   *resilience.BreakerSet
}

// Analyzer runs the five-stage gate.
type Analyzer struct {
	cfg     Config
	deps    Deps
	planner *Planner
	logger  zerolog.Logger
	now     func() time.Time

	domesticG   *resilience.Guard[decimal.Decimal]
	globalG     *resilience.Guard[fetcher.GlobalQuote]
	fxG         *resilience.Guard[fetcher.FXRate]
	hedgeG      *resilience.Guard[fetcher.HedgeType]
	congestionG *resilience.Guard[float64]
	marketG     *resilience.Guard[string]
	supplyG     *resilience.Guard[fetcher.SupplySnapshot]
	historyG    *resilience.Guard[*time.Time]

	supplyCache   *resilience.Cache[string, Supply]
	scenarioCache *resilience.Cache[string, []ScenarioCard]
}

// New wires an analyzer. Domestic, Global and FX are required.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Analyzer, error) {
	if deps.Domestic == nil || deps.Global == nil || deps.FX == nil {
		return nil, errors.New("gate: domestic, global and fx fetchers are required")
	}
	if _, ok := cfg.Networks[cfg.DefaultNetwork]; !ok && len(cfg.Networks) > 0 {
		return nil, fmt.Errorf("gate: default network %q has no route entry", cfg.DefaultNetwork)
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakerSet(resilience.BreakerOptions{}, logger)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.StageLimit <= 0 {
		cfg.StageLimit = 10 * time.Second
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 30
	}

	retry := cfg.Retry
	b := deps.Breakers
	return &Analyzer{
		cfg:     cfg,
		deps:    deps,
		planner: NewPlanner(cfg),
		logger:  logger.With().Str("component", "gate").Logger(),
		now:     time.Now,

		domesticG: resilience.NewGuard[decimal.Decimal](b.Get("gate:domestic"), resilience.GuardOptions{Retry: retry}),
		globalG:   resilience.NewGuard[fetcher.GlobalQuote](b.Get("gate:global"), resilience.GuardOptions{Retry: retry}),
		fxG: resilience.NewGuard[fetcher.FXRate](b.Get("gate:fx"), resilience.GuardOptions{
			LastGoodSize: 1, Retry: retry,
		}),
		hedgeG: resilience.NewGuard[fetcher.HedgeType](b.Get("gate:hedge"), resilience.GuardOptions{
			LastGoodSize: cfg.CacheSize, Retry: retry,
		}),
		congestionG: resilience.NewGuard[float64](b.Get("gate:congestion"), resilience.GuardOptions{
			FreshTTL: time.Minute, FreshSize: 32, LastGoodSize: 32, Retry: retry,
		}),
		marketG: resilience.NewGuard[string](b.Get("gate:market"), resilience.GuardOptions{
			FreshTTL: 5 * time.Minute, FreshSize: 1, LastGoodSize: 1, Retry: retry,
		}),
		supplyG: resilience.NewGuard[fetcher.SupplySnapshot](b.Get("gate:supply"), resilience.GuardOptions{
			FreshTTL: cfg.CacheTTL, FreshSize: cfg.CacheSize, LastGoodSize: cfg.CacheSize, Retry: retry,
		}),
		historyG: resilience.NewGuard[*time.Time](b.Get("gate:history"), resilience.GuardOptions{Retry: retry}),

		supplyCache:   resilience.NewCache[string, Supply](cfg.CacheSize, cfg.CacheTTL),
		scenarioCache: resilience.NewCache[string, []ScenarioCard](cfg.CacheSize, cfg.CacheTTL),
	}, nil
}

func cacheKey(symbol, venue string) string {
	return symbol + "@" + venue
}

// Analyze gathers market state for symbol on venue and evaluates it.
func (a *Analyzer) Analyze(ctx context.Context, symbol, venue string) Result {
	started := a.now()
	symbol = strings.ToUpper(symbol)
	key := cacheKey(symbol, venue)

	var (
		mu          sync.Mutex
		domestic    decimal.Decimal
		domesticErr error
		global      fetcher.GlobalQuote
		globalErr   error
		fx          fetcher.FXRate
		fxErr       error
		obs         = Observation{Symbol: symbol, Venue: venue}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, _, err := a.domesticG.Do(gctx, key, func(ctx context.Context) (decimal.Decimal, error) {
			return a.deps.Domestic.FetchDomestic(ctx, venue, symbol)
		})
		mu.Lock()
		domestic, domesticErr = v, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		v, _, err := a.globalG.Do(gctx, symbol, func(ctx context.Context) (fetcher.GlobalQuote, error) {
			return a.deps.Global.FetchGlobal(ctx, symbol)
		})
		mu.Lock()
		global, globalErr = v, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		v, _, err := a.fxG.Do(gctx, "krw", a.deps.FX.FetchFX)
		mu.Lock()
		fx, fxErr = v, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		h, err := a.hedgeType(gctx, symbol)
		mu.Lock()
		obs.Hedge, obs.HedgeErr = h, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		s, err := a.supplySnapshot(gctx, symbol)
		mu.Lock()
		obs.Supply, obs.SupplyErr = s, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		c, err := a.marketCondition(gctx)
		mu.Lock()
		obs.MarketCondition, obs.MarketErr = c, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		t, err := a.firstListedAt(gctx, symbol, venue)
		mu.Lock()
		obs.FirstListedAt, obs.HistoryErr = t, err
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	if fxErr != nil || !fx.Rate.IsPositive() {
		fx = fetcher.FXRate{Rate: decimal.NewFromInt(fetcher.HardcodedRate), Source: fetcher.FXHardcoded}
	}

	var unavailable []string
	if domesticErr != nil || !domestic.IsPositive() {
		unavailable = append(unavailable, BlockDomesticUnavailable)
		a.logger.Warn().Err(domesticErr).Str("symbol", symbol).Str("venue", venue).Msg("domestic price unavailable")
	}
	if globalErr != nil || !global.PriceUSD.IsPositive() {
		unavailable = append(unavailable, BlockGlobalUnavailable)
		a.logger.Warn().Err(globalErr).Str("symbol", symbol).Msg("global reference unavailable")
	}
	if len(unavailable) > 0 {
		return a.finish(Result{
			Symbol:      symbol,
			Venue:       venue,
			Blockers:    unavailable,
			FXSource:    fx.Source,
			ListingType: ListingUnknown,
			Supply:      Supply{Class: SupplyUnknown},
			Stages: []StageResult{{
				Stage: "hard_gate", Status: StatusBlocked, Reason: unavailable[0],
			}},
		}, started)
	}

	premium, err := ComputePremium(domestic, global.PriceUSD, fx)
	if err != nil {
		return a.finish(Result{
			Symbol: symbol, Venue: venue, Blockers: []string{BlockGlobalUnavailable},
			FXSource: fx.Source, ListingType: ListingUnknown, Supply: Supply{Class: SupplyUnknown},
			Stages: []StageResult{{Stage: "hard_gate", Status: StatusBlocked, Reason: err.Error()}},
		}, started)
	}

	obs.Premium = premium
	obs.Global = global
	obs.Network = a.cfg.fastestNetwork(obs.Supply.Networks)
	obs.TransferMinutes = TransferMinutes(a.cfg, obs.Network, a.congestion(ctx, obs.Network))

	var asks []ingest.Level
	if src, ok := a.deps.Books[venue]; ok && src != nil {
		if book, ok := src.Top(symbol, a.cfg.BookDepth); ok {
			asks = book.Asks
		}
	}
	obs.Cost = ComputeCost(a.cfg, CostInput{Network: obs.Network, Hedge: obs.Hedge, FXRate: fx.Rate, Asks: asks})

	return a.Evaluate(ctx, obs, started)
}

// Evaluate runs the stages over a gathered observation.
func (a *Analyzer) Evaluate(ctx context.Context, obs Observation, started time.Time) Result {
	premium, cost := obs.Premium, obs.Cost
	res := Result{
		Symbol:          obs.Symbol,
		Venue:           obs.Venue,
		Premium:         &premium,
		Cost:            &cost,
		FXSource:        obs.Premium.FXSource,
		HedgeType:       obs.Hedge,
		Network:         obs.Network,
		TransferMinutes: obs.TransferMinutes,
		GlobalVolumeUSD: obs.Global.VolumeUSD,
		TopVenue:        obs.Global.TopVenue(),
		Supply:          Supply{Class: SupplyUnknown},
		ListingType:     ListingUnknown,
	}

	hard, stage := a.hardGate(obs)
	res.Stages = append(res.Stages, stage)
	net := hard.NetProfitPct
	res.NetProfitPct = &net
	res.Blockers = hard.Blockers
	res.Warnings = hard.Warnings
	if len(res.Blockers) > 0 {
		return a.finish(res, started)
	}

	key := cacheKey(obs.Symbol, obs.Venue)

	res.Stages = append(res.Stages, a.stage(ctx, "supply", func(context.Context) (string, error) {
		if hit, s := a.supplyCache.Get(key); hit {
			res.Supply = s
			return "", nil
		}
		minutes := obs.TransferMinutes
		if obs.SupplyErr != nil {
			// classify on the transfer time alone; not cached so the next
			// analysis retries the lookup
			s := ClassifySupply(SupplyInputs{NetworkMinutes: &minutes})
			res.Supply = s
			return "supply lookup failed, classified on transfer time only", nil
		}
		s := ClassifySupply(SupplyInputs{
			DEXLiquidityUSD: obs.Supply.DEXLiquidityUSD,
			WithdrawalOpen:  obs.Supply.WithdrawalOpen,
			NetworkMinutes:  &minutes,
		})
		res.Supply = s
		a.supplyCache.Set(key, s)
		if s.Class == SupplyUnknown {
			return strings.Join(s.Warnings, "; "), nil
		}
		return "", nil
	}, func() { res.Supply = Supply{Class: SupplyUnknown} }))

	res.Stages = append(res.Stages, a.stage(ctx, "listing_type", func(context.Context) (string, error) {
		if obs.HistoryErr != nil {
			return "", fmt.Errorf("listing history: %w", obs.HistoryErr)
		}
		res.ListingType = ClassifyListing(ListingFacts{
			ListedOnOtherDomestic: a.listedOnOtherDomestic(obs.Venue, obs.Symbol),
			TopGlobalVenue:        obs.Global.TopVenue(),
			FirstListedAt:         obs.FirstListedAt,
		}, a.now(), a.cfg.TGEWindow)
		return "", nil
	}, func() { res.ListingType = ListingUnknown }))

	res.Stages = append(res.Stages, a.stage(ctx, "strategy", func(context.Context) (string, error) {
		res.Action = ChooseAction(res.Supply.Class, res.ListingType, res.FXSource)
		return "", nil
	}, func() { res.Action = ActionWatchOnly }))

	res.Stages = append(res.Stages, a.stage(ctx, "scenario", func(context.Context) (string, error) {
		if hit, cards := a.scenarioCache.Get(key); hit {
			res.Scenarios = cards
			return "", nil
		}
		var warning string
		if obs.MarketErr != nil {
			warning = "market condition unavailable, assuming neutral"
		}
		cards := a.planner.Cards(ScenarioInput{
			Venue:           obs.Venue,
			Supply:          res.Supply.Class,
			Hedge:           obs.Hedge,
			MarketCondition: obs.MarketCondition,
			Listing:         res.ListingType,
		})
		res.Scenarios = cards
		a.scenarioCache.Set(key, cards)
		return warning, nil
	}, func() { res.Scenarios = []ScenarioCard{InsufficientCard()} }))

	for _, st := range res.Stages[1:] {
		if st.Warning != "" {
			res.Warnings = append(res.Warnings, st.Warning)
		}
	}
	return a.finish(res, started)
}

func (a *Analyzer) hardGate(obs Observation) (hard HardGate, stage StageResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("symbol", obs.Symbol).Msg("hard gate panicked")
			reason := fmt.Sprintf("hard gate failed: %v", r)
			hard = HardGate{Blockers: []string{reason}}
			stage = StageResult{Stage: "hard_gate", Status: StatusBlocked, Reason: reason}
		}
	}()
	hard = CheckHardGate(a.cfg, obs)
	return hard, hard.Stage
}

// stage runs fn with a deadline. Errors and panics become a degraded result
// after fallback is applied; fn's returned warning marks the stage degraded
// only when it is non-empty.
func (a *Analyzer) stage(ctx context.Context, name string, fn func(context.Context) (string, error), fallback func()) (res StageResult) {
	res = StageResult{Stage: name, Status: StatusOK}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("stage", name).Msg("stage panicked")
			fallback()
			res = StageResult{Stage: name, Status: StatusDegraded, Warning: name + " stage failed", Reason: fmt.Sprint(r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.StageLimit)
	defer cancel()

	warning, err := fn(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("stage", name).Msg("stage degraded")
		fallback()
		return StageResult{Stage: name, Status: StatusDegraded, Warning: name + " stage degraded", Reason: err.Error()}
	}
	if warning != "" {
		res.Status = StatusDegraded
		res.Warning = warning
	}
	return res
}

func (a *Analyzer) finish(res Result, started time.Time) Result {
	res.Proceed = len(res.Blockers) == 0
	if !res.Proceed {
		res.Action = ActionNoTrade
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if res.Blockers == nil {
		res.Blockers = []string{}
	}
	res.Severity = Classify(res)
	res.AnalyzedAt = a.now().UTC()
	res.Duration = res.AnalyzedAt.Sub(started)

	metrics.GateVerdictsTotal.WithLabelValues(string(res.Severity), strconv.FormatBool(res.Proceed)).Inc()
	metrics.GateDurationSeconds.Observe(res.Duration.Seconds())

	ev := a.logger.Info()
	if res.NetProfitPct != nil {
		ev = ev.Str("net_profit_pct", res.NetProfitPct.StringFixed(2))
	}
	if res.Premium != nil {
		ev = ev.Str("premium_pct", res.Premium.Pct.StringFixed(2))
	}
	ev.Str("symbol", res.Symbol).
		Str("venue", res.Venue).
		Str("verdict", res.Verdict()).
		Str("severity", string(res.Severity)).
		Str("action", string(res.Action)).
		Int("blockers", len(res.Blockers)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("gate evaluated")
	return res
}

func (a *Analyzer) listedOnOtherDomestic(venue, symbol string) bool {
	if a.deps.Listings == nil {
		return false
	}
	other := ingest.VenueBithumb
	if venue == ingest.VenueBithumb {
		other = ingest.VenueUpbit
	}
	return a.deps.Listings.Listed(other, symbol)
}

func (a *Analyzer) hedgeType(ctx context.Context, symbol string) (fetcher.HedgeType, error) {
	if a.deps.Hedge == nil {
		return fetcher.HedgeNone, errors.New("hedge fetcher not configured")
	}
	h, _, err := a.hedgeG.Do(ctx, symbol, func(ctx context.Context) (fetcher.HedgeType, error) {
		return a.deps.Hedge.HedgeType(ctx, symbol)
	})
	if err != nil {
		return fetcher.HedgeNone, err
	}
	return h, nil
}

func (a *Analyzer) supplySnapshot(ctx context.Context, symbol string) (fetcher.SupplySnapshot, error) {
	if a.deps.Supply == nil {
		return fetcher.SupplySnapshot{}, errors.New("supply fetcher not configured")
	}
	s, _, err := a.supplyG.Do(ctx, symbol, func(ctx context.Context) (fetcher.SupplySnapshot, error) {
		return a.deps.Supply.Supply(ctx, symbol)
	})
	return s, err
}

func (a *Analyzer) marketCondition(ctx context.Context) (string, error) {
	if a.deps.Market == nil {
		return MarketNeutral, errors.New("market condition fetcher not configured")
	}
	c, _, err := a.marketG.Do(ctx, "btc", a.deps.Market.MarketCondition)
	if err != nil {
		return MarketNeutral, err
	}
	return c, nil
}

func (a *Analyzer) firstListedAt(ctx context.Context, symbol, venue string) (*time.Time, error) {
	if a.deps.History == nil {
		return nil, nil
	}
	t, _, err := a.historyG.Do(ctx, cacheKey(symbol, venue), func(ctx context.Context) (*time.Time, error) {
		return a.deps.History.FirstListingAt(ctx, symbol, venue)
	})
	return t, err
}

func (a *Analyzer) congestion(ctx context.Context, network string) float64 {
	if a.deps.Congestion == nil {
		return fetcher.DefaultCongestion
	}
	c, _, err := a.congestionG.Do(ctx, network, func(ctx context.Context) (float64, error) {
		return a.deps.Congestion.Congestion(ctx, network)
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("network", network).Msg("congestion unavailable, using default")
		return fetcher.DefaultCongestion
	}
	return c
}
