// Package config defines all configuration for the surveillance pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SENTINEL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Forensics ForensicsConfig `mapstructure:"forensics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UpstreamConfig holds endpoints and pacing for every remote data source.
type UpstreamConfig struct {
	ChainRPCURL    string `mapstructure:"chain_rpc_url"`
	ExplorerURL    string `mapstructure:"explorer_url"`
	ExplorerAPIKey string `mapstructure:"explorer_api_key"`
	IndexerURL     string `mapstructure:"indexer_url"`
	DataAPIURL     string `mapstructure:"data_api_url"`
	WSMarketURL    string `mapstructure:"ws_market_url"`

	// Per-upstream rate limits in operations per second.
	ChainRPS    int `mapstructure:"chain_rps"`
	ExplorerRPS int `mapstructure:"explorer_rps"`
	IndexerRPS  int `mapstructure:"indexer_rps"`
	DataAPIRPS  int `mapstructure:"data_api_rps"`

	// Circuit breaker tuning, shared by all upstreams.
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	MonitoringPeriod    time.Duration `mapstructure:"monitoring_period"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxAttempts int           `mapstructure:"half_open_max_attempts"`

	// WebSocket reconnect policy.
	WSMaxReconnectAttempts int `mapstructure:"ws_max_reconnect_attempts"`
}

// CacheConfig points at the shared Redis instance backing the dedup store,
// lock store, stat counters and fingerprint caches.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	MaxFallbackSize  int           `mapstructure:"max_fallback_size"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	LockMaxRetries   int           `mapstructure:"lock_max_retries"`
	LockRetryDelay   time.Duration `mapstructure:"lock_retry_delay"`
	OrderbookTTLSecs int           `mapstructure:"orderbook_cache_ttl_seconds"`
}

// DatabaseConfig points at the relational store for markets, trades,
// wallets and alerts.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// IngestConfig tunes the pull poller and push subscriber.
type IngestConfig struct {
	PollIntervalMs        int           `mapstructure:"poll_interval_ms"`
	StartupGrace          time.Duration `mapstructure:"startup_grace"`
	MaxTradeAgeMinutes    int           `mapstructure:"max_trade_age_minutes"`
	MinTradeUSDPrefilter  float64       `mapstructure:"min_trade_usd_prefilter"`
	ChunkSize             int           `mapstructure:"chunk_size"`
	BatchDelay            time.Duration `mapstructure:"batch_delay"`
	PriorityFetchDebounce time.Duration `mapstructure:"priority_fetch_debounce"`
}

// QueueConfig bounds the trade queue and shutdown drain.
type QueueConfig struct {
	MaxQueueSize   int           `mapstructure:"max_queue_size"`
	DrainTimeoutMs int           `mapstructure:"drain_timeout_ms"`
	DLQSize        int           `mapstructure:"dlq_size"`
	PressurePct    float64       `mapstructure:"pressure_pct"`
	DrainPoll      time.Duration `mapstructure:"drain_poll"`
}

// DetectorConfig selects the impact method and its thresholds.
//
//   - OICalculationMethod: "liquidity", "volume" or "open_interest".
//   - Min*Percentage: per-method relative impact thresholds, in percent.
//   - FallbackToOI: when the configured method cannot produce a positive
//     denominator, fall back to open interest with its own threshold.
type DetectorConfig struct {
	OICalculationMethod     string  `mapstructure:"oi_calculation_method"`
	MinOIPercentage         float64 `mapstructure:"min_oi_percentage"`
	MinLiquidityImpactPct   float64 `mapstructure:"min_liquidity_impact_percentage"`
	MinVolumeImpactPct      float64 `mapstructure:"min_volume_impact_percentage"`
	FallbackToOICalculation bool    `mapstructure:"fallback_to_oi_calculation"`
	FallbackOIPercentage    float64 `mapstructure:"fallback_oi_percentage"`
	OrderbookDepthLevels    int     `mapstructure:"orderbook_depth_levels"`
	VolumeLookbackHours     int     `mapstructure:"volume_lookback_hours"`
	MinTradeSize            float64 `mapstructure:"min_trade_size"`
	MinOI                   float64 `mapstructure:"min_oi"`

	DormantHoursNoLargeTrades  int     `mapstructure:"dormant_hours_no_large_trades"`
	DormantHoursNoPriceMoves   int     `mapstructure:"dormant_hours_no_price_moves"`
	DormantLargeTradeThreshold float64 `mapstructure:"dormant_large_trade_threshold"`
	DormantPriceMoveThreshold  float64 `mapstructure:"dormant_price_move_threshold"`
}

// ForensicsConfig tunes wallet flag thresholds and caching.
type ForensicsConfig struct {
	SubgraphLowTradeCount        int     `mapstructure:"subgraph_low_trade_count"`
	SubgraphYoungAccountDays     int     `mapstructure:"subgraph_young_account_days"`
	SubgraphLowVolumeUSD         float64 `mapstructure:"subgraph_low_volume_usd"`
	SubgraphHighConcentrationPct float64 `mapstructure:"subgraph_high_concentration_pct"`
	SubgraphLowDiversification   int     `mapstructure:"subgraph_low_diversification"`

	SubgraphFreshFatBetSizeUSD     float64 `mapstructure:"subgraph_fresh_fat_bet_size_usd"`
	SubgraphFreshFatBetMaxOI       float64 `mapstructure:"subgraph_fresh_fat_bet_max_oi"`
	SubgraphFreshFatBetPriorTrades int     `mapstructure:"subgraph_fresh_fat_bet_prior_trades"`

	CEXFundingWindowDays  int     `mapstructure:"cex_funding_window_days"`
	MinWalletAgeInDays    int     `mapstructure:"min_wallet_age_in_days"`
	MaxWalletTransactions int     `mapstructure:"max_wallet_transactions"`
	MinNetflowPercentage  float64 `mapstructure:"min_netflow_percentage"`

	SubgraphCacheTTLHours  int  `mapstructure:"subgraph_cache_ttl_hours"`
	OnChainCacheTTLHours   int  `mapstructure:"onchain_cache_ttl_hours"`
	SkipTradesOnProxyError bool `mapstructure:"skip_trades_on_proxy_error"`
}

// AlertingConfig sets final scoring gates.
type AlertingConfig struct {
	AlertThreshold float64 `mapstructure:"alert_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SENTINEL_DATABASE_URL, SENTINEL_REDIS_ADDR,
// SENTINEL_EXPLORER_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("SENTINEL_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if addr := os.Getenv("SENTINEL_REDIS_ADDR"); addr != "" {
		cfg.Cache.Addr = addr
	}
	if key := os.Getenv("SENTINEL_EXPLORER_API_KEY"); key != "" {
		cfg.Upstream.ExplorerAPIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.chain_rps", 10)
	v.SetDefault("upstream.explorer_rps", 4)
	v.SetDefault("upstream.indexer_rps", 8)
	v.SetDefault("upstream.data_api_rps", 10)
	v.SetDefault("upstream.failure_threshold", 5)
	v.SetDefault("upstream.monitoring_period", time.Minute)
	v.SetDefault("upstream.recovery_timeout", 30*time.Second)
	v.SetDefault("upstream.half_open_max_attempts", 2)
	v.SetDefault("upstream.ws_max_reconnect_attempts", 20)

	v.SetDefault("cache.dedup_ttl", 24*time.Hour)
	v.SetDefault("cache.max_fallback_size", 10000)
	v.SetDefault("cache.lock_ttl", 30*time.Second)
	v.SetDefault("cache.lock_max_retries", 3)
	v.SetDefault("cache.lock_retry_delay", 200*time.Millisecond)
	v.SetDefault("cache.orderbook_cache_ttl_seconds", 30)

	v.SetDefault("ingest.poll_interval_ms", 60000)
	v.SetDefault("ingest.startup_grace", 30*time.Second)
	v.SetDefault("ingest.max_trade_age_minutes", 30)
	v.SetDefault("ingest.min_trade_usd_prefilter", 100.0)
	v.SetDefault("ingest.chunk_size", 20)
	v.SetDefault("ingest.batch_delay", 500*time.Millisecond)
	v.SetDefault("ingest.priority_fetch_debounce", 15*time.Second)

	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.drain_timeout_ms", 30000)
	v.SetDefault("queue.dlq_size", 200)
	v.SetDefault("queue.pressure_pct", 0.8)
	v.SetDefault("queue.drain_poll", 250*time.Millisecond)

	v.SetDefault("detector.oi_calculation_method", "open_interest")
	v.SetDefault("detector.min_oi_percentage", 1.0)
	v.SetDefault("detector.min_liquidity_impact_percentage", 5.0)
	v.SetDefault("detector.min_volume_impact_percentage", 10.0)
	v.SetDefault("detector.fallback_to_oi_calculation", true)
	v.SetDefault("detector.fallback_oi_percentage", 2.0)
	v.SetDefault("detector.orderbook_depth_levels", 10)
	v.SetDefault("detector.volume_lookback_hours", 24)
	v.SetDefault("detector.min_trade_size", 500.0)
	v.SetDefault("detector.min_oi", 1000.0)
	v.SetDefault("detector.dormant_hours_no_large_trades", 24)
	v.SetDefault("detector.dormant_hours_no_price_moves", 24)
	v.SetDefault("detector.dormant_large_trade_threshold", 5000.0)
	v.SetDefault("detector.dormant_price_move_threshold", 5.0)

	v.SetDefault("forensics.subgraph_low_trade_count", 10)
	v.SetDefault("forensics.subgraph_young_account_days", 30)
	v.SetDefault("forensics.subgraph_low_volume_usd", 10000.0)
	v.SetDefault("forensics.subgraph_high_concentration_pct", 70.0)
	v.SetDefault("forensics.subgraph_low_diversification", 3)
	v.SetDefault("forensics.subgraph_fresh_fat_bet_size_usd", 25000.0)
	v.SetDefault("forensics.subgraph_fresh_fat_bet_max_oi", 100000.0)
	v.SetDefault("forensics.subgraph_fresh_fat_bet_prior_trades", 5)
	v.SetDefault("forensics.cex_funding_window_days", 30)
	v.SetDefault("forensics.min_wallet_age_in_days", 30)
	v.SetDefault("forensics.max_wallet_transactions", 100)
	v.SetDefault("forensics.min_netflow_percentage", 50.0)
	v.SetDefault("forensics.subgraph_cache_ttl_hours", 6)
	v.SetDefault("forensics.onchain_cache_ttl_hours", 12)
	v.SetDefault("forensics.skip_trades_on_proxy_error", false)

	v.SetDefault("alerting.alert_threshold", 60.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.ChainRPCURL == "" {
		return fmt.Errorf("upstream.chain_rpc_url is required")
	}
	if c.Upstream.IndexerURL == "" {
		return fmt.Errorf("upstream.indexer_url is required")
	}
	if c.Upstream.DataAPIURL == "" {
		return fmt.Errorf("upstream.data_api_url is required")
	}
	if c.Upstream.WSMarketURL == "" {
		return fmt.Errorf("upstream.ws_market_url is required")
	}
	if c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required (set SENTINEL_REDIS_ADDR)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set SENTINEL_DATABASE_URL)")
	}
	switch c.Detector.OICalculationMethod {
	case "liquidity", "volume", "open_interest":
	default:
		return fmt.Errorf("detector.oi_calculation_method must be one of: liquidity, volume, open_interest")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be > 0")
	}
	if c.Queue.PressurePct <= 0 || c.Queue.PressurePct > 1 {
		return fmt.Errorf("queue.pressure_pct must be in (0,1]")
	}
	if c.Ingest.PollIntervalMs <= 0 {
		return fmt.Errorf("ingest.poll_interval_ms must be > 0")
	}
	if c.Alerting.AlertThreshold <= 0 {
		return fmt.Errorf("alerting.alert_threshold must be > 0")
	}
	if c.Cache.LockTTL <= c.Cache.LockRetryDelay {
		return fmt.Errorf("cache.lock_ttl must exceed cache.lock_retry_delay")
	}
	return nil
}

// PollInterval returns the poller period as a duration.
func (c *IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// DrainTimeout returns the shutdown drain budget as a duration.
func (c *QueueConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// OrderbookTTL returns the orderbook cache TTL as a duration.
func (c *CacheConfig) OrderbookTTL() time.Duration {
	return time.Duration(c.OrderbookTTLSecs) * time.Second
}
