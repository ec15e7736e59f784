package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"listing-gate/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Writer     WriterConfig     `mapstructure:"writer"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Gate       GateConfig       `mapstructure:"gate"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Influx     InfluxConfig     `mapstructure:"influx"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=2"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	WriterLockKey   int64         `mapstructure:"writer_lock_key"`
}

// WriterConfig bounds the single-writer queue.
type WriterConfig struct {
	QueueSize    int           `mapstructure:"queue_size" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// AggregatorConfig governs minute rollups.
type AggregatorConfig struct {
	SecondRetention time.Duration `mapstructure:"second_retention" validate:"gt=0"`
	HealWindow      time.Duration `mapstructure:"heal_window" validate:"gt=0"`
	Lag             time.Duration `mapstructure:"lag"`
}

// IngestConfig covers venue feeds and listing discovery.
type IngestConfig struct {
	Venues          []string      `mapstructure:"venues" validate:"min=1,dive,oneof=upbit bithumb"`
	Instruments     []string      `mapstructure:"instruments"`
	ListingInterval time.Duration `mapstructure:"listing_interval" validate:"gt=0"`
	NoticeInterval  time.Duration `mapstructure:"notice_interval" validate:"gt=0"`
	NoticesEnabled  bool          `mapstructure:"notices_enabled"`
	DetectedReset   time.Duration `mapstructure:"detected_reset"`
	PingEvery       time.Duration `mapstructure:"ping_every"`
	ReconnectBase   time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
	GapThreshold    time.Duration `mapstructure:"gap_threshold"`
	UpbitWSURL      string        `mapstructure:"upbit_ws_url"`
	UpbitRESTURL    string        `mapstructure:"upbit_rest_url"`
	BithumbWSURL    string        `mapstructure:"bithumb_ws_url"`
	BithumbRESTURL  string        `mapstructure:"bithumb_rest_url"`
	EventBuffer     int           `mapstructure:"event_buffer" validate:"gt=0"`

	// ListingIntervals overrides ListingInterval per venue.
	ListingIntervals map[string]time.Duration `mapstructure:"listing_intervals" validate:"dive,keys,oneof=upbit bithumb,endkeys,gt=0"`
}

// ListingIntervalFor returns the market-diff poll interval for venue.
func (c IngestConfig) ListingIntervalFor(venue string) time.Duration {
	if d, ok := c.ListingIntervals[venue]; ok && d > 0 {
		return d
	}
	return c.ListingInterval
}

// HTTPConfig tunes the shared REST client.
type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TotalTimeout   time.Duration `mapstructure:"total_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=0"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
}

// BreakerConfig sets defaults shared by every dependency breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gt=0"`
	HalfOpenMaxCalls uint32        `mapstructure:"half_open_max_calls" validate:"gt=0"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

// GateConfig overrides the decision engine's tunables.
type GateConfig struct {
	Workers            int           `mapstructure:"workers" validate:"gt=0"`
	TradeAmountKRW     float64       `mapstructure:"trade_amount_krw" validate:"gt=0"`
	MinNetProfitPct    float64       `mapstructure:"min_net_profit_pct"`
	MinGlobalVolumeUSD float64       `mapstructure:"min_global_volume_usd" validate:"gte=0"`
	MaxTransferMin     float64       `mapstructure:"max_transfer_min" validate:"gt=0"`
	CacheSize          int           `mapstructure:"cache_size" validate:"gt=0"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout" validate:"gt=0"`
	AnalysisTimeout    time.Duration `mapstructure:"analysis_timeout" validate:"gt=0"`

	// Tables below are merged over the calibrated defaults; absent entries keep them.
	Fees           GateFeesConfig               `mapstructure:"fees"`
	DefaultNetwork string                       `mapstructure:"default_network"`
	Networks       map[string]GateNetworkConfig `mapstructure:"networks" validate:"dive"`
	VASP           map[string]map[string]string `mapstructure:"vasp" validate:"dive,keys,oneof=upbit bithumb,endkeys,dive,oneof=ok partial blocked unknown"`
	Scenario       GateScenarioConfig           `mapstructure:"scenario"`
}

// GateFeesConfig holds fee and cost rates. Nil fields keep the defaults.
type GateFeesConfig struct {
	DomesticTaker      *float64 `mapstructure:"domestic_taker" validate:"omitempty,gte=0,lt=1"`
	GlobalTaker        *float64 `mapstructure:"global_taker" validate:"omitempty,gte=0,lt=1"`
	SlippagePct        *float64 `mapstructure:"slippage_pct" validate:"omitempty,gte=0,lte=100"`
	UnfilledPenaltyPct *float64 `mapstructure:"unfilled_penalty_pct" validate:"omitempty,gte=0,lte=100"`
	GasWarnPct         *float64 `mapstructure:"gas_warn_pct" validate:"omitempty,gte=0,lte=100"`
	HedgeCEXPct        *float64 `mapstructure:"hedge_cex_pct" validate:"omitempty,gte=0,lte=100"`
	HedgeDEXPct        *float64 `mapstructure:"hedge_dex_pct" validate:"omitempty,gte=0,lte=100"`
}

// GateNetworkConfig describes one withdrawal route.
type GateNetworkConfig struct {
	AvgTransferMin    float64 `mapstructure:"avg_transfer_min" validate:"gt=0"`
	WithdrawalFeeUSDT float64 `mapstructure:"withdrawal_fee_usdt" validate:"gte=0"`
}

// GateScenarioConfig tunes the scenario planner.
type GateScenarioConfig struct {
	Base          *float64                         `mapstructure:"base" validate:"omitempty,gte=0,lte=1"`
	UpbitBase     *float64                         `mapstructure:"upbit_base" validate:"omitempty,gte=0,lte=1"`
	MinSampleSize *int                             `mapstructure:"min_sample_size" validate:"omitempty,gt=0"`
	Coefficients  map[string]GateCoefficientConfig `mapstructure:"coefficients" validate:"dive,keys,oneof=supply_constrained supply_smooth hedge_cex hedge_dex_only hedge_none market_bull market_neutral market_bear,endkeys"`
}

// GateCoefficientConfig is a learned adjustment and the sample count behind it.
type GateCoefficientConfig struct {
	Value   float64 `mapstructure:"value" validate:"gte=-1,lte=1"`
	Samples int     `mapstructure:"samples" validate:"gte=0"`
}

// SourcesConfig overrides REST endpoints. Empty values use the public APIs.
type SourcesConfig struct {
	BinanceURL        string        `mapstructure:"binance_url"`
	OKXURL            string        `mapstructure:"okx_url"`
	BybitURL          string        `mapstructure:"bybit_url"`
	BinanceFuturesURL string        `mapstructure:"binance_futures_url"`
	HyperliquidURL    string        `mapstructure:"hyperliquid_url"`
	DexScreenerURL    string        `mapstructure:"dexscreener_url"`
	GateURL           string        `mapstructure:"gate_url"`
	FXCacheTTL        time.Duration `mapstructure:"fx_cache_ttl"`
	FuturesCacheTTL   time.Duration `mapstructure:"futures_cache_ttl"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	DebounceWindow   time.Duration  `mapstructure:"debounce_window" validate:"gt=0"`
	LowBatchInterval time.Duration  `mapstructure:"low_batch_interval" validate:"gt=0"`
	Debounce         string         `mapstructure:"debounce" validate:"oneof=store redis"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RedisConfig locates the shared debounce store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig enables the signal bus when URL is set.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// InfluxConfig enables the minute-bar mirror when URL is set.
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// MetricsConfig sets the admin listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "listing-gate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.writer_lock_key", int64(0x4c475754))

	v.SetDefault("writer.queue_size", 50000)
	v.SetDefault("writer.batch_size", 100)
	v.SetDefault("writer.drain_timeout", "30s")

	v.SetDefault("aggregator.second_retention", "10m")
	v.SetDefault("aggregator.heal_window", "15m")
	v.SetDefault("aggregator.lag", "2s")

	v.SetDefault("ingest.venues", []string{"upbit", "bithumb"})
	v.SetDefault("ingest.instruments", []string{"BTC", "ETH"})
	v.SetDefault("ingest.listing_interval", "30s")
	v.SetDefault("ingest.listing_intervals", map[string]any{"upbit": "30s", "bithumb": "60s"})
	v.SetDefault("ingest.notice_interval", "30s")
	v.SetDefault("ingest.notices_enabled", true)
	v.SetDefault("ingest.detected_reset", "24h")
	v.SetDefault("ingest.ping_every", "30s")
	v.SetDefault("ingest.reconnect_base", "1s")
	v.SetDefault("ingest.reconnect_max", "60s")
	v.SetDefault("ingest.gap_threshold", "5s")
	v.SetDefault("ingest.event_buffer", 4096)

	v.SetDefault("http.connect_timeout", "5s")
	v.SetDefault("http.total_timeout", "15s")
	v.SetDefault("http.user_agent", "listing-gate/1.0")
	v.SetDefault("http.rate_per_second", 10.0)
	v.SetDefault("http.burst", 5)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_base", "500ms")
	v.SetDefault("http.retry_max", "10s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.half_open_max_calls", 2)
	v.SetDefault("breaker.cooldown", "60s")

	v.SetDefault("gate.workers", 8)
	v.SetDefault("gate.trade_amount_krw", 10_000_000.0)
	v.SetDefault("gate.min_net_profit_pct", 0.0)
	v.SetDefault("gate.min_global_volume_usd", 100_000.0)
	v.SetDefault("gate.max_transfer_min", 30.0)
	v.SetDefault("gate.cache_size", 1000)
	v.SetDefault("gate.cache_ttl", "300s")
	v.SetDefault("gate.stage_timeout", "10s")
	v.SetDefault("gate.analysis_timeout", "60s")

	v.SetDefault("sources.fx_cache_ttl", "5m")
	v.SetDefault("sources.futures_cache_ttl", "1h")

	v.SetDefault("ethereum.request_timeout", "5s")
	v.SetDefault("ethereum.cache_ttl", "5m")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.debounce_window", "5m")
	v.SetDefault("alerting.low_batch_interval", "1h")
	v.SetDefault("alerting.debounce", "store")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("redis.key_prefix", "listinggate:debounce:")

	v.SetDefault("nats.name", "listing-gate")

	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns cannot exceed database.max_open_conns")
	}
	if c.Writer.BatchSize > c.Writer.QueueSize {
		return fmt.Errorf("writer.batch_size cannot exceed writer.queue_size")
	}
	if c.Aggregator.Lag >= time.Minute {
		return fmt.Errorf("aggregator.lag must be shorter than one minute")
	}
	if c.Aggregator.SecondRetention < 2*time.Minute {
		return fmt.Errorf("aggregator.second_retention must cover at least two minutes")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Debounce == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when alerting.debounce is redis")
	}
	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		return fmt.Errorf("influx.bucket is required when influx.url is set")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
