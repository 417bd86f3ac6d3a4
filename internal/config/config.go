// Package config defines the top-level configuration for the copy-trading
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYBOT_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Exchanges   ExchangesConfig   `toml:"exchanges"`
	Polling     PollingConfig     `toml:"polling"`
	Sharing     SharingConfig     `toml:"sharing"`
	Proxy       ProxyConfig       `toml:"proxy"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Queue       QueueConfig       `toml:"queue"`
	Executor    ExecutorConfig    `toml:"executor"`
	Sizing      SizingConfig      `toml:"sizing"`
	Onchain     OnchainConfig     `toml:"onchain"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Credentials CredentialsConfig `toml:"credentials"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExchangeEndpointConfig holds per-venue API endpoints.
type ExchangeEndpointConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	FuturesURL     string `toml:"futures_url"`
	LeaderboardURL string `toml:"leaderboard_url"`
}

// ExchangesConfig holds endpoints for every supported venue.
type ExchangesConfig struct {
	Binance ExchangeEndpointConfig `toml:"binance"`
	OKX     ExchangeEndpointConfig `toml:"okx"`
	Bybit   ExchangeEndpointConfig `toml:"bybit"`
	Bitget  ExchangeEndpointConfig `toml:"bitget"`
}

// Endpoint returns the endpoint block for the named venue.
func (e ExchangesConfig) Endpoint(name string) (ExchangeEndpointConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return e.Binance, true
	case "okx":
		return e.OKX, true
	case "bybit":
		return e.Bybit, true
	case "bitget":
		return e.Bitget, true
	}
	return ExchangeEndpointConfig{}, false
}

// EnabledNames returns the venue names with enabled endpoints.
func (e ExchangesConfig) EnabledNames() []string {
	var names []string
	for _, n := range []string{"binance", "okx", "bybit", "bitget"} {
		if ep, _ := e.Endpoint(n); ep.Enabled {
			names = append(names, n)
		}
	}
	return names
}

// PollingConfig holds whale monitor scheduling parameters.
type PollingConfig struct {
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

// SharingConfig holds sharing-validation parameters. DisableAfter is a
// wall-clock window: a whale is marked sharing-disabled once its checks
// have come back empty for that long, with at least MinEmptyChecks
// observations.
type SharingConfig struct {
	DisableAfter      duration `toml:"disable_after"`
	MinEmptyChecks    int      `toml:"min_empty_checks"`
	RecheckInterval   duration `toml:"recheck_interval"`
	RateLimitCooldown duration `toml:"rate_limit_cooldown"`
}

// ProxyConfig holds proxy pool parameters.
type ProxyConfig struct {
	Enabled             bool     `toml:"enabled"`
	RateLimitCooldown   duration `toml:"rate_limit_cooldown"`
	FailureCooldown     duration `toml:"failure_cooldown"`
	BanAfterConsecutive int      `toml:"ban_after_consecutive"`
	ReloadInterval      duration `toml:"reload_interval"`
	MinActive           int      `toml:"min_active"`
	ProbeURL            string   `toml:"probe_url"`
	ProbeTimeout        duration `toml:"probe_timeout"`
	ProviderURLs        []string `toml:"provider_urls"`
}

// RateLimitConfig holds the per-exchange call budget and backoff envelope.
type RateLimitConfig struct {
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Burst             int      `toml:"burst"`
	InitialBackoff    duration `toml:"initial_backoff"`
	MaxBackoff        duration `toml:"max_backoff"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	JitterFactor      float64  `toml:"jitter_factor"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  duration `toml:"recovery_timeout"`
	SuccessThreshold int      `toml:"success_threshold"`
}

// QueueConfig holds signal queue parameters.
type QueueConfig struct {
	SignalExpiry          duration `toml:"signal_expiry"`
	QueueTTL              duration `toml:"queue_ttl"`
	MaxSignalsPerBatch    int      `toml:"max_signals_per_batch"`
	ProcessingLockTTL     duration `toml:"processing_lock_ttl"`
	DrainInterval         duration `toml:"drain_interval"`
	MinTradingBalanceUSDT float64  `toml:"min_trading_balance_usdt"`
	BalanceCacheTTL       duration `toml:"balance_cache_ttl"`
}

// ExecutorConfig holds copy-trade execution parameters. Retries here
// are network retries inside a single execution attempt; they are
// independent of the signal-level retry counter.
type ExecutorConfig struct {
	MaxRetries          int      `toml:"max_retries"`
	RetryBaseDelay      duration `toml:"retry_base_delay"`
	RetryMaxDelay       duration `toml:"retry_max_delay"`
	ConfirmTimeout      duration `toml:"confirm_timeout"`
	ConfirmPollInterval duration `toml:"confirm_poll_interval"`
}

// SizingConfig holds position sizing guards.
type SizingConfig struct {
	MinTradeSizeUSDT       float64 `toml:"min_trade_size_usdt"`
	TradeSizeBufferPercent float64 `toml:"trade_size_buffer_percent"`
	KellyFraction          float64 `toml:"kelly_fraction"`
	// MinNotional maps exchange name to market symbol to the venue's
	// minimum order notional. The "*" symbol is the venue default.
	MinNotional map[string]map[string]float64 `toml:"min_notional"`
}

// MinNotionalFor returns the notional floor for an exchange and symbol,
// falling back to the exchange's "*" entry, then to MinTradeSizeUSDT.
func (s SizingConfig) MinNotionalFor(exchange, symbol string) float64 {
	if markets, ok := s.MinNotional[strings.ToLower(exchange)]; ok {
		if v, ok := markets[symbol]; ok {
			return v
		}
		if v, ok := markets["*"]; ok {
			return v
		}
	}
	return s.MinTradeSizeUSDT
}

// OnchainConfig holds on-chain wallet watching parameters.
type OnchainConfig struct {
	Enabled      bool     `toml:"enabled"`
	SubgraphURL  string   `toml:"subgraph_url"`
	APIKey       string   `toml:"api_key"`
	PollInterval duration `toml:"poll_interval"`
	MinSwapUSD   float64  `toml:"min_swap_usd"`
}

// PipelineConfig holds background maintenance loop parameters.
type PipelineConfig struct {
	JanitorInterval     duration `toml:"janitor_interval"`
	BalanceSyncInterval duration `toml:"balance_sync_interval"`
	ReconcileInterval   duration `toml:"reconcile_interval"`
	ArchiveEnabled      bool     `toml:"archive_enabled"`
	ArchiveInterval     duration `toml:"archive_interval"`
	RetentionDays       int      `toml:"retention_days"`
}

// CredentialsConfig holds the master key used to decrypt stored venue
// API credentials. Exactly one of the two fields should be set.
type CredentialsConfig struct {
	MasterKey     string `toml:"master_key"`
	MasterKeyPath string `toml:"master_key_path"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. An empty APIKey disables
// request authentication.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerSec int      `toml:"rate_limit_per_sec"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copybot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Exchanges: ExchangesConfig{
			Binance: ExchangeEndpointConfig{
				Enabled:        true,
				BaseURL:        "https://api.binance.com",
				FuturesURL:     "https://fapi.binance.com",
				LeaderboardURL: "https://www.binance.com/bapi/futures/v1/public/future/leaderboard",
			},
			OKX: ExchangeEndpointConfig{
				Enabled:        true,
				BaseURL:        "https://www.okx.com",
				FuturesURL:     "https://www.okx.com",
				LeaderboardURL: "https://www.okx.com/priapi/v5/ecotrade/public",
			},
			Bybit: ExchangeEndpointConfig{
				Enabled:        true,
				BaseURL:        "https://api.bybit.com",
				FuturesURL:     "https://api.bybit.com",
				LeaderboardURL: "https://api2.bybit.com/fapi/beehive/public/v1/common/dynamic-leader-detail",
			},
			Bitget: ExchangeEndpointConfig{
				Enabled:        true,
				BaseURL:        "https://api.bitget.com",
				FuturesURL:     "https://api.bitget.com",
				LeaderboardURL: "https://api.bitget.com/api/v2/copy/mix-trader/order-current-track",
			},
		},
		Polling: PollingConfig{
			Interval:      duration{30 * time.Second},
			BatchSize:     50,
			MaxConcurrent: 8,
		},
		Sharing: SharingConfig{
			DisableAfter:      duration{15 * time.Minute},
			MinEmptyChecks:    3,
			RecheckInterval:   duration{6 * time.Hour},
			RateLimitCooldown: duration{15 * time.Minute},
		},
		Proxy: ProxyConfig{
			Enabled:             true,
			RateLimitCooldown:   duration{10 * time.Minute},
			FailureCooldown:     duration{2 * time.Minute},
			BanAfterConsecutive: 5,
			ReloadInterval:      duration{5 * time.Minute},
			MinActive:           3,
			ProbeURL:            "https://api.binance.com/api/v3/ping",
			ProbeTimeout:        duration{5 * time.Second},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
			InitialBackoff:    duration{time.Second},
			MaxBackoff:        duration{5 * time.Minute},
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  duration{60 * time.Second},
			SuccessThreshold: 2,
		},
		Queue: QueueConfig{
			SignalExpiry:          duration{5 * time.Minute},
			QueueTTL:              duration{time.Hour},
			MaxSignalsPerBatch:    5,
			ProcessingLockTTL:     duration{60 * time.Second},
			DrainInterval:         duration{2 * time.Second},
			MinTradingBalanceUSDT: 10,
			BalanceCacheTTL:       duration{30 * time.Second},
		},
		Executor: ExecutorConfig{
			MaxRetries:          3,
			RetryBaseDelay:      duration{time.Second},
			RetryMaxDelay:       duration{30 * time.Second},
			ConfirmTimeout:      duration{30 * time.Second},
			ConfirmPollInterval: duration{2 * time.Second},
		},
		Sizing: SizingConfig{
			MinTradeSizeUSDT:       10,
			TradeSizeBufferPercent: 5,
			KellyFraction:          0.5,
			MinNotional: map[string]map[string]float64{
				"binance": {"*": 5},
				"okx":     {"*": 5},
				"bybit":   {"*": 5},
				"bitget":  {"*": 5},
			},
		},
		Onchain: OnchainConfig{
			Enabled:      false,
			SubgraphURL:  "",
			APIKey:       "",
			PollInterval: duration{15 * time.Second},
			MinSwapUSD:   1000,
		},
		Pipeline: PipelineConfig{
			JanitorInterval:     duration{60 * time.Second},
			BalanceSyncInterval: duration{60 * time.Second},
			ReconcileInterval:   duration{2 * time.Minute},
			ArchiveEnabled:      false,
			ArchiveInterval:     duration{24 * time.Hour},
			RetentionDays:       90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerSec: 20,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_executed", "trade_failed", "sharing_disabled", "error"},
		},
		Mode:     "all",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"all":      true,
	"monitor":  true,
	"executor": true,
	"server":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: all, monitor, executor, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when archiving is on.
	if c.Pipeline.ArchiveEnabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when pipeline.archive_enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when pipeline.archive_enabled")
		}
	}

	// Exchanges
	if len(c.Exchanges.EnabledNames()) == 0 {
		errs = append(errs, "exchanges: at least one venue must be enabled")
	}
	for _, name := range c.Exchanges.EnabledNames() {
		ep, _ := c.Exchanges.Endpoint(name)
		if ep.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("exchanges.%s: base_url must not be empty", name))
		}
	}

	// Polling
	if c.Polling.Interval.Duration < time.Second {
		errs = append(errs, "polling: interval must be >= 1s")
	}
	if c.Polling.BatchSize < 1 {
		errs = append(errs, "polling: batch_size must be >= 1")
	}
	if c.Polling.MaxConcurrent < 1 {
		errs = append(errs, "polling: max_concurrent must be >= 1")
	}

	// Sharing
	if c.Sharing.DisableAfter.Duration <= 0 {
		errs = append(errs, "sharing: disable_after must be > 0")
	}
	if c.Sharing.MinEmptyChecks < 1 {
		errs = append(errs, "sharing: min_empty_checks must be >= 1")
	}
	if c.Sharing.RecheckInterval.Duration <= 0 {
		errs = append(errs, "sharing: recheck_interval must be > 0")
	}

	// Rate limit
	if c.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "ratelimit: requests_per_minute must be >= 1")
	}
	if c.RateLimit.BackoffMultiplier <= 1 {
		errs = append(errs, "ratelimit: backoff_multiplier must be > 1")
	}
	if c.RateLimit.JitterFactor < 0 || c.RateLimit.JitterFactor >= 1 {
		errs = append(errs, "ratelimit: jitter_factor must be in [0, 1)")
	}
	if c.RateLimit.InitialBackoff.Duration <= 0 {
		errs = append(errs, "ratelimit: initial_backoff must be > 0")
	}
	if c.RateLimit.MaxBackoff.Duration < c.RateLimit.InitialBackoff.Duration {
		errs = append(errs, "ratelimit: max_backoff must be >= initial_backoff")
	}

	// Breaker
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "breaker: success_threshold must be >= 1")
	}
	if c.Breaker.RecoveryTimeout.Duration <= 0 {
		errs = append(errs, "breaker: recovery_timeout must be > 0")
	}

	// Queue
	if c.Queue.MaxSignalsPerBatch < 1 {
		errs = append(errs, "queue: max_signals_per_batch must be >= 1")
	}
	if c.Queue.ProcessingLockTTL.Duration < 5*time.Second {
		errs = append(errs, "queue: processing_lock_ttl must be >= 5s")
	}
	if c.Queue.SignalExpiry.Duration <= 0 {
		errs = append(errs, "queue: signal_expiry must be > 0")
	}
	if c.Queue.DrainInterval.Duration <= 0 {
		errs = append(errs, "queue: drain_interval must be > 0")
	}

	// Executor
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, "executor: max_retries must be >= 0")
	}
	if c.Executor.RetryBaseDelay.Duration <= 0 {
		errs = append(errs, "executor: retry_base_delay must be > 0")
	}
	if c.Executor.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "executor: confirm_timeout must be > 0")
	}

	// Sizing
	if c.Sizing.MinTradeSizeUSDT <= 0 {
		errs = append(errs, "sizing: min_trade_size_usdt must be > 0")
	}
	if c.Sizing.TradeSizeBufferPercent < 0 || c.Sizing.TradeSizeBufferPercent >= 100 {
		errs = append(errs, "sizing: trade_size_buffer_percent must be in [0, 100)")
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		errs = append(errs, "sizing: kelly_fraction must be in (0, 1]")
	}

	// Onchain
	if c.Onchain.Enabled {
		if c.Onchain.SubgraphURL == "" {
			errs = append(errs, "onchain: subgraph_url must not be empty when enabled")
		}
		if c.Onchain.PollInterval.Duration <= 0 {
			errs = append(errs, "onchain: poll_interval must be > 0")
		}
	}

	// Pipeline
	if c.Pipeline.JanitorInterval.Duration <= 0 {
		errs = append(errs, "pipeline: janitor_interval must be > 0")
	}
	if c.Pipeline.ArchiveEnabled && c.Pipeline.RetentionDays < 1 {
		errs = append(errs, "pipeline: retention_days must be >= 1 when archiving")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
