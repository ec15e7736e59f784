package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-gate/internal/aggregator"
	"listing-gate/internal/alerting"
	"listing-gate/internal/bus"
	"listing-gate/internal/config"
	"listing-gate/internal/fetcher"
	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
	"listing-gate/internal/metrics"
	"listing-gate/internal/resilience"
	"listing-gate/internal/scheduler"
	"listing-gate/internal/service"
	"listing-gate/internal/sink"
	"listing-gate/internal/storage"
	"listing-gate/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// fetchers bundles the REST-backed market data sources.
type fetchers struct {
	breakers *resilience.BreakerSet
	client   *resilience.Client
	market   *fetcher.Market
	fx       *fetcher.FX
	futures  *fetcher.Futures
	gas      *fetcher.GasOracle
	supply   *fetcher.OnChainSupply
}

func (a *App) newFetchers() fetchers {
	cfg := a.Config
	breakers := resilience.NewBreakerSet(resilience.BreakerOptions{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		Cooldown:         cfg.Breaker.Cooldown,
	}, a.Logger)
	client := resilience.NewClient(resilience.ClientOptions{
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		TotalTimeout:   cfg.HTTP.TotalTimeout,
		UserAgent:      cfg.HTTP.UserAgent,
		RatePerSecond:  cfg.HTTP.RatePerSecond,
		Burst:          cfg.HTTP.Burst,
		Retry: resilience.RetryOptions{
			MaxRetries: cfg.HTTP.MaxRetries,
			BaseDelay:  cfg.HTTP.RetryBase,
			MaxDelay:   cfg.HTTP.RetryMax,
		},
	}, breakers, a.Logger)

	market := fetcher.NewMarket(fetcher.MarketOptions{
		UpbitURL:   cfg.Ingest.UpbitRESTURL,
		BithumbURL: cfg.Ingest.BithumbRESTURL,
		BinanceURL: cfg.Sources.BinanceURL,
		OKXURL:     cfg.Sources.OKXURL,
		BybitURL:   cfg.Sources.BybitURL,
	}, client, a.Logger)

	return fetchers{
		breakers: breakers,
		client:   client,
		market:   market,
		fx:       fetcher.NewFX(market, fetcher.FXOptions{CacheTTL: cfg.Sources.FXCacheTTL}, a.Logger),
		futures: fetcher.NewFutures(fetcher.FuturesOptions{
			BinanceFuturesURL: cfg.Sources.BinanceFuturesURL,
			BybitURL:          cfg.Sources.BybitURL,
			HyperliquidURL:    cfg.Sources.HyperliquidURL,
			CacheTTL:          cfg.Sources.FuturesCacheTTL,
		}, client, a.Logger),
		gas: fetcher.NewGasOracle(fetcher.GasOptions{
			RPCURL:   cfg.Ethereum.RPCURL,
			Timeout:  cfg.Ethereum.RequestTimeout,
			CacheTTL: cfg.Ethereum.CacheTTL,
		}, a.Logger),
		supply: fetcher.NewOnChainSupply(fetcher.SupplyOptions{
			DexScreenerURL: cfg.Sources.DexScreenerURL,
			GateURL:        cfg.Sources.GateURL,
		}, client, a.Logger),
	}
}

// gateConfig applies configured overrides on top of the calibrated defaults.
func (a *App) gateConfig() gate.Config {
	g := a.Config.Gate
	cfg := gate.DefaultConfig()
	cfg.TradeAmountKRW = decimal.NewFromFloat(g.TradeAmountKRW)
	cfg.MinNetProfitPct = decimal.NewFromFloat(g.MinNetProfitPct)
	cfg.MinGlobalVolumeUSD = decimal.NewFromFloat(g.MinGlobalVolumeUSD)
	cfg.MaxTransferMin = g.MaxTransferMin
	cfg.CacheSize = g.CacheSize
	cfg.CacheTTL = g.CacheTTL
	cfg.StageLimit = g.StageTimeout

	setDecimal(&cfg.DomesticTakerFee, g.Fees.DomesticTaker)
	setDecimal(&cfg.GlobalTakerFee, g.Fees.GlobalTaker)
	setDecimal(&cfg.DefaultSlippagePct, g.Fees.SlippagePct)
	setDecimal(&cfg.UnfilledPenaltyPct, g.Fees.UnfilledPenaltyPct)
	setDecimal(&cfg.GasWarnPct, g.Fees.GasWarnPct)
	setDecimal(&cfg.HedgeCEXPct, g.Fees.HedgeCEXPct)
	setDecimal(&cfg.HedgeDEXPct, g.Fees.HedgeDEXPct)

	if g.DefaultNetwork != "" {
		cfg.DefaultNetwork = g.DefaultNetwork
	}
	for name, n := range g.Networks {
		cfg.Networks[name] = gate.Network{
			AvgTransferMin:    n.AvgTransferMin,
			WithdrawalFeeUSDT: decimal.NewFromFloat(n.WithdrawalFeeUSDT),
		}
	}
	for domestic, routes := range g.VASP {
		if cfg.VASP[domestic] == nil {
			cfg.VASP[domestic] = make(map[string]string, len(routes))
		}
		for global, status := range routes {
			cfg.VASP[domestic][global] = status
		}
	}

	sc := g.Scenario
	if sc.Base != nil {
		cfg.ScenarioBase = *sc.Base
	}
	if sc.UpbitBase != nil {
		cfg.ScenarioUpbitBase = *sc.UpbitBase
	}
	if sc.MinSampleSize != nil {
		cfg.MinSampleSize = *sc.MinSampleSize
	}
	for key, c := range sc.Coefficients {
		cfg.Coefficients[key] = gate.Coefficient{Value: c.Value, Samples: c.Samples}
	}
	return cfg
}

func setDecimal(dst *decimal.Decimal, v *float64) {
	if v != nil {
		*dst = decimal.NewFromFloat(*v)
	}
}

func (a *App) newNotifier(client *resilience.Client) alerting.Notifier {
	tg := a.Config.Alerting.Telegram
	if a.Config.Alerting.Enabled && tg.Enabled {
		return alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, client, a.Logger)
	}
	a.Logger.Warn().Msg("telegram not configured; alerts are logged only")
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newDebouncer(ctx context.Context, writer storage.Submitter, reader alerting.WindowLister) (alerting.Debouncer, func(), error) {
	if a.Config.Alerting.Debounce == "redis" {
		rc := a.Config.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return alerting.NewRedisDebouncer(client, rc.KeyPrefix), func() { _ = client.Close() }, nil
	}
	d := alerting.NewStoreDebouncer(writer, a.Logger)
	if reader != nil {
		if err := d.Load(ctx, reader); err != nil {
			a.Logger.Warn().Err(err).Msg("starting with empty debounce windows")
		}
	}
	return d, func() {}, nil
}

func (a *App) newPublisher() bus.Publisher {
	if a.Config.NATS.URL == "" {
		return bus.Nop{}
	}
	nb, err := bus.NewNATS(a.Config.NATS.URL, a.Config.NATS.Name, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("signal bus unavailable; publishing disabled")
		return bus.Nop{}
	}
	return nb
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// venueFeed is everything built for one domestic venue.
type venueFeed struct {
	stream  *ingest.Stream
	books   *ingest.BookCache
	monitor *ingest.MarketDiffMonitor
	poller  *ingest.NoticePoller
}

func (a *App) newVenueFeed(venue string, f fetchers, events chan<- ingest.StreamEvent, listings chan<- ingest.ListingSignal, eventSignals chan<- ingest.EventSignal, detected *ingest.DetectedSet) (venueFeed, error) {
	ic := a.Config.Ingest
	var (
		adapter ingest.Adapter
		books   *ingest.BookCache
		lister  ingest.InstrumentLister
		notices ingest.NoticeSource
	)
	switch venue {
	case ingest.VenueUpbit:
		up := ingest.NewUpbit(ingest.UpbitOptions{WSURL: ic.UpbitWSURL, RESTURL: ic.UpbitRESTURL, HTTP: f.client}, a.Logger)
		adapter, books = up, up.Books()
		lister = &ingest.UpbitLister{HTTP: f.client, BaseURL: ic.UpbitRESTURL}
		notices = &ingest.UpbitNotices{HTTP: f.client}
	case ingest.VenueBithumb:
		bt := ingest.NewBithumb(ingest.BithumbOptions{WSURL: ic.BithumbWSURL, RESTURL: ic.BithumbRESTURL, HTTP: f.client}, a.Logger)
		adapter, books = bt, bt.Books()
		lister = &ingest.BithumbLister{HTTP: f.client, BaseURL: ic.BithumbRESTURL}
		notices = &ingest.BithumbNotices{HTTP: f.client}
	default:
		return venueFeed{}, fmt.Errorf("unsupported venue %q", venue)
	}

	stream := ingest.NewStream(adapter, ingest.StreamOptions{
		PingEvery:    ic.PingEvery,
		BaseDelay:    ic.ReconnectBase,
		MaxDelay:     ic.ReconnectMax,
		GapThreshold: ic.GapThreshold,
	}, events, a.Logger)
	if err := stream.Track(ic.Instruments...); err != nil {
		return venueFeed{}, fmt.Errorf("track %s instruments: %w", venue, err)
	}

	feed := venueFeed{
		stream:  stream,
		books:   books,
		monitor: ingest.NewMarketDiffMonitor(lister, ingest.MarketDiffOptions{Interval: ic.ListingIntervalFor(venue)}, detected, listings, a.Logger),
	}
	if ic.NoticesEnabled {
		feed.poller = ingest.NewNoticePoller(notices, nil, detected, listings, eventSignals, ingest.NoticePollerOptions{Interval: ic.NoticeInterval}, a.Logger)
	}
	return feed, nil
}

// Run executes the long-running pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	cfg := a.Config

	pool, err := storage.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := storage.NewMigrator(pool, a.Logger)
	if err != nil {
		return err
	}
	if err := migrator.Up(ctx); err != nil {
		return err
	}

	store := storage.NewStore(pool)
	conn, err := storage.AcquireWriteConn(ctx, pool, cfg.Database.WriterLockKey)
	if err != nil {
		return err
	}
	defer conn.Release()
	writer := storage.NewWriter(conn, storage.WriterOptions{
		QueueSize:    cfg.Writer.QueueSize,
		BatchSize:    cfg.Writer.BatchSize,
		DrainTimeout: cfg.Writer.DrainTimeout,
	}, a.Logger)

	f := a.newFetchers()

	events := make(chan ingest.StreamEvent, cfg.Ingest.EventBuffer)
	listings := make(chan ingest.ListingSignal, 64)
	eventSignals := make(chan ingest.EventSignal, 64)
	detected := ingest.NewDetectedSet(cfg.Ingest.DetectedReset)

	var (
		streams  []service.Stream
		monitors []service.Runner
		pollers  []service.Runner
		diffs    []*ingest.MarketDiffMonitor
		books    = map[string]gate.BookSource{}
	)
	for _, venue := range cfg.Ingest.Venues {
		feed, err := a.newVenueFeed(venue, f, events, listings, eventSignals, detected)
		if err != nil {
			return err
		}
		streams = append(streams, feed.stream)
		monitors = append(monitors, feed.monitor)
		diffs = append(diffs, feed.monitor)
		books[venue] = feed.books
		if feed.poller != nil {
			pollers = append(pollers, feed.poller)
		}
	}

	var minuteSink aggregator.MinuteSink
	if cfg.Influx.URL != "" {
		influx := sink.NewInflux(sink.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, a.Logger)
		defer influx.Close()
		minuteSink = influx
	}
	agg := aggregator.New(store, writer, minuteSink, aggregator.Options{
		SecondRetention: cfg.Aggregator.SecondRetention,
		HealWindow:      cfg.Aggregator.HealWindow,
	}, a.Logger)

	analyzer, err := gate.New(a.gateConfig(), gate.Deps{
		Domestic:   f.market,
		Global:     f.market,
		FX:         f.fx,
		Hedge:      f.futures,
		Congestion: f.gas,
		Market:     f.market,
		Supply:     f.supply,
		Books:      books,
		Listings:   ingest.NewListings(diffs...),
		History:    store,
		Breakers:   f.breakers,
	}, a.Logger)
	if err != nil {
		return err
	}

	debouncer, closeDebouncer, err := a.newDebouncer(ctx, writer, store)
	if err != nil {
		return err
	}
	defer closeDebouncer()
	dispatcher := alerting.NewDispatcher(a.newNotifier(f.client), debouncer, alerting.DispatcherOptions{
		DebounceWindow:   cfg.Alerting.DebounceWindow,
		LowBatchInterval: cfg.Alerting.LowBatchInterval,
	}, a.Logger)

	var svc *service.Service
	var admin service.Runner
	if cfg.Metrics.Addr != "" {
		admin = metrics.NewServer(cfg.Metrics.Addr, func() metrics.Health { return svc.Health() }, a.Logger)
	}

	svc, err = service.New(service.Components{
		Writer:       writer,
		Streams:      streams,
		Bucketer:     ingest.NewSecondBucketer(writer, a.Logger),
		Events:       events,
		Monitors:     monitors,
		Pollers:      pollers,
		Listings:     listings,
		EventSignals: eventSignals,
		Minutes:      agg,
		Scheduler:    scheduler.New(scheduler.Options{Interval: time.Minute, Lag: cfg.Aggregator.Lag}, a.Logger),
		Analyzer:     analyzer,
		Dispatcher:   dispatcher,
		Publisher:    a.newPublisher(),
		Breakers:     f.breakers,
		Admin:        admin,
	}, service.Options{
		Workers:         cfg.Gate.Workers,
		AnalysisTimeout: cfg.Gate.AnalysisTimeout,
		ShutdownTimeout: cfg.Writer.DrainTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version.Version, version.Commit).Set(1)
	a.Logger.Info().Str("version", version.String()).Strs("venues", cfg.Ingest.Venues).Msg("starting listing gate")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("listing gate stopped")
	return nil
}

// ExportOptions hold parameters for exporting minute bars.
type ExportOptions struct {
	Instrument string
	Venue      string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Listings bool
}

// BackfillOptions configure the minute re-aggregation job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
