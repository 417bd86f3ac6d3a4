package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/whalecopybot/internal/blob/s3"
	"github.com/alanyoungcy/whalecopybot/internal/breaker"
	"github.com/alanyoungcy/whalecopybot/internal/cache/redis"
	"github.com/alanyoungcy/whalecopybot/internal/config"
	"github.com/alanyoungcy/whalecopybot/internal/crypto"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/exchange"
	"github.com/alanyoungcy/whalecopybot/internal/metrics"
	"github.com/alanyoungcy/whalecopybot/internal/notify"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
	"github.com/alanyoungcy/whalecopybot/internal/ratelimit"
	"github.com/alanyoungcy/whalecopybot/internal/store/postgres"
)

// Dependencies bundles every mode-independent dependency the
// application needs. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	WhaleStore    domain.WhaleStore
	FollowStore   domain.FollowStore
	UserStore     domain.UserStore
	SignalStore   domain.SignalStore
	TradeStore    domain.TradeStore
	PositionStore domain.PositionStore
	ProxyStore    domain.ProxyStore
	AuditStore    domain.AuditStore

	// Caches
	SnapshotCache domain.SnapshotCache
	BalanceCache  domain.BalanceCache
	SignalQueue   domain.SignalQueue
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage (only when archiving is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Shared components
	Bus       *events.Bus
	Breakers  *breaker.Registry
	Governor  *ratelimit.Governor
	Factory   *exchange.Factory
	ProxyPool *proxy.Pool // nil when the proxy pool is disabled
	Notifier  *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.WhaleStore = postgres.NewWhaleStore(pool)
	deps.FollowStore = postgres.NewFollowStore(pool)
	deps.UserStore = postgres.NewUserStore(pool)
	deps.SignalStore = postgres.NewSignalStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.ProxyStore = postgres.NewProxyStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
	deps.BalanceCache = redis.NewBalanceCache(redisClient)
	deps.SignalQueue = redis.NewSignalQueue(redisClient, cfg.Queue.QueueTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when cold archiving is on) ---
	if cfg.Pipeline.ArchiveEnabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.SignalStore,
			deps.TradeStore,
			deps.PositionStore,
			deps.AuditStore,
		)
	}

	// --- Event bus + journal + metrics ---
	deps.Bus = events.NewBus(logger)
	journal := events.NewJournal(deps.SignalBus, logger)
	if err := journal.Attach(deps.Bus); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: event journal: %w", err)
	}
	if err := metrics.BindBus(deps.Bus); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: metrics: %w", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if len(senders) > 0 {
		if err := notify.BindBus(deps.Bus, deps.Notifier); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: notifier: %w", err)
		}
	}

	// --- Venue access: breakers, adapter factory, call budget ---
	masterKey, err := crypto.LoadMasterKey(crypto.MasterKeyConfig{
		RawKey:  cfg.Credentials.MasterKey,
		KeyPath: cfg.Credentials.MasterKeyPath,
	})
	if err != nil {
		// Observation-only deployments carry no credentials; trading
		// ports will fail on first use instead.
		logger.Warn("wire: no credential master key, trading ports disabled",
			slog.String("error", err.Error()))
	}

	deps.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger)

	endpoints, enabled := exchange.EndpointsFromNames(func(name string) (string, string, string, bool) {
		ep, ok := cfg.Exchanges.Endpoint(name)
		if !ok {
			return "", "", "", false
		}
		return ep.BaseURL, ep.FuturesURL, ep.LeaderboardURL, ep.Enabled
	})
	deps.Factory = exchange.NewFactory(deps.UserStore, deps.Breakers, endpoints, enabled, masterKey, logger)

	deps.Governor = ratelimit.NewGovernor(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		InitialBackoff:    cfg.RateLimit.InitialBackoff.Duration,
		MaxBackoff:        cfg.RateLimit.MaxBackoff.Duration,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
		JitterFactor:      cfg.RateLimit.JitterFactor,
	}, logger)

	// --- Proxy pool ---
	if cfg.Proxy.Enabled {
		var provider proxy.Provider
		if len(cfg.Proxy.ProviderURLs) > 0 {
			provider = proxy.NewHTTPProvider(cfg.Proxy.ProviderURLs, cfg.Proxy.ProbeTimeout.Duration)
		}
		var prober proxy.Prober
		if cfg.Proxy.ProbeURL != "" {
			prober = proxy.NewHTTPProber(cfg.Proxy.ProbeURL, cfg.Proxy.ProbeTimeout.Duration)
		}
		deps.ProxyPool = proxy.NewPool(deps.ProxyStore, provider, prober, proxy.Config{
			RateLimitCooldown:   cfg.Proxy.RateLimitCooldown.Duration,
			FailureCooldown:     cfg.Proxy.FailureCooldown.Duration,
			BanAfterConsecutive: cfg.Proxy.BanAfterConsecutive,
			MinActive:           cfg.Proxy.MinActive,
		}, logger)
		if err := deps.ProxyPool.Load(ctx); err != nil {
			// The reload loop retries; starting with an empty pool just
			// defers observation fetches.
			logger.Warn("wire: initial proxy load failed",
				slog.String("error", err.Error()))
		}
	}

	return deps, cleanup, nil
}
