package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "COPYBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")

	// ── Exchanges ──
	setBool(&cfg.Exchanges.Binance.Enabled, "COPYBOT_EXCHANGES_BINANCE_ENABLED")
	setStr(&cfg.Exchanges.Binance.BaseURL, "COPYBOT_EXCHANGES_BINANCE_BASE_URL")
	setStr(&cfg.Exchanges.Binance.FuturesURL, "COPYBOT_EXCHANGES_BINANCE_FUTURES_URL")
	setStr(&cfg.Exchanges.Binance.LeaderboardURL, "COPYBOT_EXCHANGES_BINANCE_LEADERBOARD_URL")
	setBool(&cfg.Exchanges.OKX.Enabled, "COPYBOT_EXCHANGES_OKX_ENABLED")
	setStr(&cfg.Exchanges.OKX.BaseURL, "COPYBOT_EXCHANGES_OKX_BASE_URL")
	setStr(&cfg.Exchanges.OKX.FuturesURL, "COPYBOT_EXCHANGES_OKX_FUTURES_URL")
	setStr(&cfg.Exchanges.OKX.LeaderboardURL, "COPYBOT_EXCHANGES_OKX_LEADERBOARD_URL")
	setBool(&cfg.Exchanges.Bybit.Enabled, "COPYBOT_EXCHANGES_BYBIT_ENABLED")
	setStr(&cfg.Exchanges.Bybit.BaseURL, "COPYBOT_EXCHANGES_BYBIT_BASE_URL")
	setStr(&cfg.Exchanges.Bybit.FuturesURL, "COPYBOT_EXCHANGES_BYBIT_FUTURES_URL")
	setStr(&cfg.Exchanges.Bybit.LeaderboardURL, "COPYBOT_EXCHANGES_BYBIT_LEADERBOARD_URL")
	setBool(&cfg.Exchanges.Bitget.Enabled, "COPYBOT_EXCHANGES_BITGET_ENABLED")
	setStr(&cfg.Exchanges.Bitget.BaseURL, "COPYBOT_EXCHANGES_BITGET_BASE_URL")
	setStr(&cfg.Exchanges.Bitget.FuturesURL, "COPYBOT_EXCHANGES_BITGET_FUTURES_URL")
	setStr(&cfg.Exchanges.Bitget.LeaderboardURL, "COPYBOT_EXCHANGES_BITGET_LEADERBOARD_URL")

	// ── Polling ──
	setDuration(&cfg.Polling.Interval, "COPYBOT_POLLING_INTERVAL")
	setInt(&cfg.Polling.BatchSize, "COPYBOT_POLLING_BATCH_SIZE")
	setInt(&cfg.Polling.MaxConcurrent, "COPYBOT_POLLING_MAX_CONCURRENT")

	// ── Sharing ──
	setDuration(&cfg.Sharing.DisableAfter, "COPYBOT_SHARING_DISABLE_AFTER")
	setInt(&cfg.Sharing.MinEmptyChecks, "COPYBOT_SHARING_MIN_EMPTY_CHECKS")
	setDuration(&cfg.Sharing.RecheckInterval, "COPYBOT_SHARING_RECHECK_INTERVAL")
	setDuration(&cfg.Sharing.RateLimitCooldown, "COPYBOT_SHARING_RATE_LIMIT_COOLDOWN")

	// ── Proxy ──
	setBool(&cfg.Proxy.Enabled, "COPYBOT_PROXY_ENABLED")
	setDuration(&cfg.Proxy.RateLimitCooldown, "COPYBOT_PROXY_RATE_LIMIT_COOLDOWN")
	setDuration(&cfg.Proxy.FailureCooldown, "COPYBOT_PROXY_FAILURE_COOLDOWN")
	setInt(&cfg.Proxy.BanAfterConsecutive, "COPYBOT_PROXY_BAN_AFTER_CONSECUTIVE")
	setDuration(&cfg.Proxy.ReloadInterval, "COPYBOT_PROXY_RELOAD_INTERVAL")
	setInt(&cfg.Proxy.MinActive, "COPYBOT_PROXY_MIN_ACTIVE")
	setStr(&cfg.Proxy.ProbeURL, "COPYBOT_PROXY_PROBE_URL")
	setDuration(&cfg.Proxy.ProbeTimeout, "COPYBOT_PROXY_PROBE_TIMEOUT")
	setStringSlice(&cfg.Proxy.ProviderURLs, "COPYBOT_PROXY_PROVIDER_URLS")

	// ── Rate limit ──
	setInt(&cfg.RateLimit.RequestsPerMinute, "COPYBOT_RATELIMIT_REQUESTS_PER_MINUTE")
	setInt(&cfg.RateLimit.Burst, "COPYBOT_RATELIMIT_BURST")
	setDuration(&cfg.RateLimit.InitialBackoff, "COPYBOT_RATELIMIT_INITIAL_BACKOFF")
	setDuration(&cfg.RateLimit.MaxBackoff, "COPYBOT_RATELIMIT_MAX_BACKOFF")
	setFloat64(&cfg.RateLimit.BackoffMultiplier, "COPYBOT_RATELIMIT_BACKOFF_MULTIPLIER")
	setFloat64(&cfg.RateLimit.JitterFactor, "COPYBOT_RATELIMIT_JITTER_FACTOR")

	// ── Breaker ──
	setInt(&cfg.Breaker.FailureThreshold, "COPYBOT_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTimeout, "COPYBOT_BREAKER_RECOVERY_TIMEOUT")
	setInt(&cfg.Breaker.SuccessThreshold, "COPYBOT_BREAKER_SUCCESS_THRESHOLD")

	// ── Queue ──
	setDuration(&cfg.Queue.SignalExpiry, "COPYBOT_QUEUE_SIGNAL_EXPIRY")
	setDuration(&cfg.Queue.QueueTTL, "COPYBOT_QUEUE_TTL")
	setInt(&cfg.Queue.MaxSignalsPerBatch, "COPYBOT_QUEUE_MAX_SIGNALS_PER_BATCH")
	setDuration(&cfg.Queue.ProcessingLockTTL, "COPYBOT_QUEUE_PROCESSING_LOCK_TTL")
	setDuration(&cfg.Queue.DrainInterval, "COPYBOT_QUEUE_DRAIN_INTERVAL")
	setFloat64(&cfg.Queue.MinTradingBalanceUSDT, "COPYBOT_QUEUE_MIN_TRADING_BALANCE_USDT")
	setDuration(&cfg.Queue.BalanceCacheTTL, "COPYBOT_QUEUE_BALANCE_CACHE_TTL")

	// ── Executor ──
	setInt(&cfg.Executor.MaxRetries, "COPYBOT_EXECUTOR_MAX_RETRIES")
	setDuration(&cfg.Executor.RetryBaseDelay, "COPYBOT_EXECUTOR_RETRY_BASE_DELAY")
	setDuration(&cfg.Executor.RetryMaxDelay, "COPYBOT_EXECUTOR_RETRY_MAX_DELAY")
	setDuration(&cfg.Executor.ConfirmTimeout, "COPYBOT_EXECUTOR_CONFIRM_TIMEOUT")
	setDuration(&cfg.Executor.ConfirmPollInterval, "COPYBOT_EXECUTOR_CONFIRM_POLL_INTERVAL")

	// ── Sizing ──
	setFloat64(&cfg.Sizing.MinTradeSizeUSDT, "COPYBOT_SIZING_MIN_TRADE_SIZE_USDT")
	setFloat64(&cfg.Sizing.TradeSizeBufferPercent, "COPYBOT_SIZING_TRADE_SIZE_BUFFER_PERCENT")
	setFloat64(&cfg.Sizing.KellyFraction, "COPYBOT_SIZING_KELLY_FRACTION")

	// ── Onchain ──
	setBool(&cfg.Onchain.Enabled, "COPYBOT_ONCHAIN_ENABLED")
	setStr(&cfg.Onchain.SubgraphURL, "COPYBOT_ONCHAIN_SUBGRAPH_URL")
	setStr(&cfg.Onchain.APIKey, "COPYBOT_ONCHAIN_API_KEY")
	setDuration(&cfg.Onchain.PollInterval, "COPYBOT_ONCHAIN_POLL_INTERVAL")
	setFloat64(&cfg.Onchain.MinSwapUSD, "COPYBOT_ONCHAIN_MIN_SWAP_USD")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.JanitorInterval, "COPYBOT_PIPELINE_JANITOR_INTERVAL")
	setDuration(&cfg.Pipeline.BalanceSyncInterval, "COPYBOT_PIPELINE_BALANCE_SYNC_INTERVAL")
	setDuration(&cfg.Pipeline.ReconcileInterval, "COPYBOT_PIPELINE_RECONCILE_INTERVAL")
	setBool(&cfg.Pipeline.ArchiveEnabled, "COPYBOT_PIPELINE_ARCHIVE_ENABLED")
	setDuration(&cfg.Pipeline.ArchiveInterval, "COPYBOT_PIPELINE_ARCHIVE_INTERVAL")
	setInt(&cfg.Pipeline.RetentionDays, "COPYBOT_PIPELINE_RETENTION_DAYS")

	// ── Credentials ──
	setStr(&cfg.Credentials.MasterKey, "COPYBOT_CREDENTIALS_MASTER_KEY")
	setStr(&cfg.Credentials.MasterKeyPath, "COPYBOT_CREDENTIALS_MASTER_KEY_PATH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COPYBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerSec, "COPYBOT_SERVER_RATE_LIMIT_PER_SEC")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
