package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/whalecopybot/internal/detect"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/executor"
	"github.com/alanyoungcy/whalecopybot/internal/onchain"
	"github.com/alanyoungcy/whalecopybot/internal/pipeline"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
	"github.com/alanyoungcy/whalecopybot/internal/server"
	"github.com/alanyoungcy/whalecopybot/internal/server/handler"
	"github.com/alanyoungcy/whalecopybot/internal/server/ws"
	"github.com/alanyoungcy/whalecopybot/internal/service"
	"github.com/alanyoungcy/whalecopybot/internal/sharing"
	"github.com/alanyoungcy/whalecopybot/internal/sizing"
)

// AllMode runs the full bot: whale observation, signal fan-out, copy
// execution, reconciliation, maintenance loops, and the HTTP API.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting all mode")

	g, ctx := errgroup.WithContext(ctx)

	emitter, dedup := a.buildEmitter(deps)
	poller := a.buildPoller(deps, emitter)
	janitor := a.buildJanitor(deps, dedup)
	watcher := a.buildWatcher(deps, emitter)
	archiver := a.buildArchiver(deps)

	posSvc := service.NewPositionService(deps.PositionStore, deps.AuditStore, deps.Bus, a.logger)
	exec := a.buildExecutor(deps, posSvc)
	drainer := pipeline.NewDrainer(
		deps.UserStore, exec,
		a.cfg.Queue.MaxSignalsPerBatch,
		a.cfg.Queue.DrainInterval.Duration,
		a.logger,
	)
	reconciler := executor.NewReconciler(
		deps.TradeStore, deps.SignalStore, deps.PositionStore,
		posSvc, deps.Factory, deps.Bus, 20, a.logger,
	)
	balanceSync := pipeline.NewBalanceSyncer(
		deps.UserStore, deps.Factory, deps.BalanceCache,
		a.cfg.Queue.BalanceCacheTTL.Duration,
		a.cfg.Pipeline.BalanceSyncInterval.Duration,
		a.logger,
	)

	orch := pipeline.NewOrchestrator(
		poller, drainer, janitor, reconciler, balanceSync, archiver, watcher,
		deps.ProxyPool,
		a.cfg.Pipeline.ReconcileInterval.Duration,
		a.cfg.Onchain.PollInterval.Duration,
		a.cfg.Proxy.ReloadInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// MonitorMode runs the observation side only: whale polling, on-chain
// watching, signal fan-out, and maintenance. No trades are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	emitter, dedup := a.buildEmitter(deps)
	poller := a.buildPoller(deps, emitter)
	janitor := a.buildJanitor(deps, dedup)
	watcher := a.buildWatcher(deps, emitter)
	archiver := a.buildArchiver(deps)

	orch := pipeline.NewOrchestrator(
		poller, nil, janitor, nil, nil, archiver, watcher,
		deps.ProxyPool,
		a.cfg.Pipeline.ReconcileInterval.Duration,
		a.cfg.Onchain.PollInterval.Duration,
		a.cfg.Proxy.ReloadInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// ExecutorMode runs the execution side only: queue draining, copy
// trades, reconciliation, and balance syncing. Pairs with a separate
// monitor process sharing the same Postgres and Redis.
func (a *App) ExecutorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting executor mode")

	g, ctx := errgroup.WithContext(ctx)

	posSvc := service.NewPositionService(deps.PositionStore, deps.AuditStore, deps.Bus, a.logger)
	exec := a.buildExecutor(deps, posSvc)
	drainer := pipeline.NewDrainer(
		deps.UserStore, exec,
		a.cfg.Queue.MaxSignalsPerBatch,
		a.cfg.Queue.DrainInterval.Duration,
		a.logger,
	)
	reconciler := executor.NewReconciler(
		deps.TradeStore, deps.SignalStore, deps.PositionStore,
		posSvc, deps.Factory, deps.Bus, 20, a.logger,
	)
	balanceSync := pipeline.NewBalanceSyncer(
		deps.UserStore, deps.Factory, deps.BalanceCache,
		a.cfg.Queue.BalanceCacheTTL.Duration,
		a.cfg.Pipeline.BalanceSyncInterval.Duration,
		a.logger,
	)

	orch := pipeline.NewOrchestrator(
		nil, drainer, nil, reconciler, balanceSync, nil, nil,
		nil,
		a.cfg.Pipeline.ReconcileInterval.Duration,
		a.cfg.Onchain.PollInterval.Duration,
		a.cfg.Proxy.ReloadInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// ServerMode runs only the HTTP + WebSocket API against the shared
// stores. Useful for dashboards pointed at a bot running elsewhere.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// buildEmitter creates the shared signal emitter and its in-process
// dedup window.
func (a *App) buildEmitter(deps *Dependencies) (*detect.Emitter, *detect.Dedup) {
	dedup := detect.NewDedup(a.cfg.Queue.SignalExpiry.Duration)
	emitter := detect.NewEmitter(
		deps.SignalStore, deps.FollowStore, deps.SignalQueue, deps.BalanceCache,
		deps.Bus, dedup,
		detect.Config{
			MinTradingBalanceUSDT: a.cfg.Queue.MinTradingBalanceUSDT,
			MinSwapUSD:            a.cfg.Onchain.MinSwapUSD,
			QueueTTL:              a.cfg.Queue.QueueTTL.Duration,
		},
		a.logger,
	)
	return emitter, dedup
}

func (a *App) buildPoller(deps *Dependencies, emitter *detect.Emitter) *pipeline.Poller {
	validator := sharing.NewValidator(deps.WhaleStore, deps.Bus, sharing.Config{
		DisableAfter:      a.cfg.Sharing.DisableAfter.Duration,
		MinEmptyChecks:    a.cfg.Sharing.MinEmptyChecks,
		RecheckInterval:   a.cfg.Sharing.RecheckInterval.Duration,
		RateLimitCooldown: a.cfg.Sharing.RateLimitCooldown.Duration,
	}, a.logger)

	// A nil *proxy.Pool must stay a nil interface so the poller skips
	// leasing entirely.
	var leaser pipeline.ProxyLeaser
	if deps.ProxyPool != nil {
		leaser = deps.ProxyPool
	}

	return pipeline.NewPoller(
		deps.WhaleStore, deps.Factory, leaser, deps.Governor,
		validator, deps.SnapshotCache, emitter,
		pipeline.PollerConfig{
			Interval:      a.cfg.Polling.Interval.Duration,
			BatchSize:     a.cfg.Polling.BatchSize,
			MaxConcurrent: a.cfg.Polling.MaxConcurrent,
		},
		a.logger,
	)
}

func (a *App) buildJanitor(deps *Dependencies, dedup *detect.Dedup) *pipeline.Janitor {
	return pipeline.NewJanitor(
		deps.SignalStore, deps.TradeStore, deps.WhaleStore, deps.FollowStore, deps.SignalQueue, dedup,
		pipeline.JanitorConfig{
			Interval:     a.cfg.Pipeline.JanitorInterval.Duration,
			StuckAfter:   a.cfg.Queue.ProcessingLockTTL.Duration * 2,
			SignalExpiry: a.cfg.Queue.SignalExpiry.Duration,
			BatchSize:    100,
		},
		a.logger,
	)
}

func (a *App) buildWatcher(deps *Dependencies, emitter *detect.Emitter) *onchain.Watcher {
	if !a.cfg.Onchain.Enabled || a.cfg.Onchain.SubgraphURL == "" {
		return nil
	}
	client := onchain.NewClient(a.cfg.Onchain.SubgraphURL, a.cfg.Onchain.APIKey, domain.ChainEthereum)
	return onchain.NewWatcher(deps.WhaleStore, client, emitter, a.logger)
}

func (a *App) buildArchiver(deps *Dependencies) *pipeline.Archiver {
	if deps.Archiver == nil {
		return nil
	}
	return pipeline.NewArchiver(
		deps.Archiver,
		a.cfg.Pipeline.RetentionDays,
		a.cfg.Pipeline.ArchiveInterval.Duration,
		a.logger,
	)
}

func (a *App) buildExecutor(deps *Dependencies, posSvc *service.PositionService) *executor.Executor {
	risk := service.NewRiskService(deps.PositionStore, a.logger)
	sizer := sizing.NewRegistry(sizing.Config{
		MinTradeSizeUSDT:       a.cfg.Sizing.MinTradeSizeUSDT,
		TradeSizeBufferPercent: a.cfg.Sizing.TradeSizeBufferPercent,
		KellyFraction:          a.cfg.Sizing.KellyFraction,
	})
	return executor.NewExecutor(
		deps.UserStore, deps.WhaleStore, deps.FollowStore,
		deps.SignalStore, deps.TradeStore, deps.PositionStore,
		posSvc, risk, sizer, deps.Factory,
		deps.LockManager, deps.SignalQueue, deps.BalanceCache, deps.Bus,
		executor.Config{
			MaxRetries:          a.cfg.Executor.MaxRetries,
			RetryBaseDelay:      a.cfg.Executor.RetryBaseDelay.Duration,
			RetryMaxDelay:       a.cfg.Executor.RetryMaxDelay.Duration,
			ProcessingLockTTL:   a.cfg.Queue.ProcessingLockTTL.Duration,
			SignalExpiry:        a.cfg.Queue.SignalExpiry.Duration,
			ConfirmTimeout:      a.cfg.Executor.ConfirmTimeout.Duration,
			ConfirmPollInterval: a.cfg.Executor.ConfirmPollInterval.Duration,
			MinNotional: func(ex domain.Exchange, symbol string) float64 {
				return a.cfg.Sizing.MinNotionalFor(string(ex), symbol)
			},
		},
		a.logger,
	)
}

// startHTTPServer builds the REST handlers and WebSocket hub and adds
// the serve and shutdown goroutines to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()

	whaleSvc := service.NewWhaleService(
		deps.WhaleStore, deps.FollowStore, deps.SnapshotCache, deps.AuditStore, a.logger,
	)
	commandSvc := service.NewCommandService(
		deps.SignalStore, deps.WhaleStore, deps.FollowStore,
		deps.SignalQueue, deps.Bus, a.logger,
	)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(
			a.cfg.Mode, startedAt,
			deps.Breakers, deps.Governor, statusProxies(deps.ProxyPool),
			deps.UserStore, deps.SignalQueue, a.logger,
		),
		Whales:    handler.NewWhaleHandler(whaleSvc, a.logger),
		Follows:   handler.NewFollowHandler(commandSvc, a.logger),
		Signals:   handler.NewSignalHandler(deps.SignalStore, commandSvc, a.logger),
		Trades:    handler.NewTradeHandler(deps.TradeStore, a.logger),
		Positions: handler.NewPositionHandler(deps.PositionStore, a.logger),
		Proxies:   handler.NewProxyHandler(deps.ProxyStore, a.logger),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimitPerSec,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// statusProxies keeps a nil *proxy.Pool out of the handler interface.
func statusProxies(pool *proxy.Pool) handler.ProxySnapshotter {
	if pool == nil {
		return nil
	}
	return pool
}
