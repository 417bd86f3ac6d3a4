package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/whalecopybot/internal/executor"
	"github.com/alanyoungcy/whalecopybot/internal/onchain"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
)

// Orchestrator runs the background loops under one errgroup. Nil
// components are simply not started, which is how the run modes select
// their subset of the pipeline.
type Orchestrator struct {
	poller     *Poller
	drainer    *Drainer
	janitor    *Janitor
	reconciler *executor.Reconciler
	balances   *BalanceSyncer
	archiver   *Archiver
	watcher    *onchain.Watcher
	proxyPool  *proxy.Pool

	reconcileInterval time.Duration
	onchainInterval   time.Duration
	proxyReload       time.Duration
	logger            *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Any component may be nil.
func NewOrchestrator(
	poller *Poller,
	drainer *Drainer,
	janitor *Janitor,
	reconciler *executor.Reconciler,
	balances *BalanceSyncer,
	archiver *Archiver,
	watcher *onchain.Watcher,
	proxyPool *proxy.Pool,
	reconcileInterval, onchainInterval, proxyReload time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}
	if onchainInterval <= 0 {
		onchainInterval = 30 * time.Second
	}
	if proxyReload <= 0 {
		proxyReload = 10 * time.Minute
	}
	return &Orchestrator{
		poller:            poller,
		drainer:           drainer,
		janitor:           janitor,
		reconciler:        reconciler,
		balances:          balances,
		archiver:          archiver,
		watcher:           watcher,
		proxyPool:         proxyPool,
		reconcileInterval: reconcileInterval,
		onchainInterval:   onchainInterval,
		proxyReload:       proxyReload,
		logger:            logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every configured loop and blocks until the context is
// cancelled or a loop fails with a non-context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	o.start(g, ctx, "poller", o.poller != nil, func(ctx context.Context) error {
		return o.poller.RunLoop(ctx)
	})
	o.start(g, ctx, "drainer", o.drainer != nil, func(ctx context.Context) error {
		return o.drainer.RunLoop(ctx)
	})
	o.start(g, ctx, "janitor", o.janitor != nil, func(ctx context.Context) error {
		return o.janitor.RunLoop(ctx)
	})
	o.start(g, ctx, "reconciler", o.reconciler != nil, o.runReconciler)
	o.start(g, ctx, "balance_sync", o.balances != nil, func(ctx context.Context) error {
		return o.balances.RunLoop(ctx)
	})
	o.start(g, ctx, "archiver", o.archiver != nil, func(ctx context.Context) error {
		return o.archiver.RunLoop(ctx)
	})
	o.start(g, ctx, "onchain_watcher", o.watcher != nil, func(ctx context.Context) error {
		return o.watcher.RunLoop(ctx, o.onchainInterval)
	})
	o.start(g, ctx, "proxy_reload", o.proxyPool != nil, o.runProxyReload)

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}

// start registers one loop in the group. Context cancellation counts
// as a clean shutdown, anything else bubbles up and tears everything
// down.
func (o *Orchestrator) start(g *errgroup.Group, ctx context.Context, name string, enabled bool, run func(context.Context) error) {
	if !enabled {
		return
	}
	o.logger.Info("starting pipeline loop", slog.String("loop", name))
	g.Go(func() error {
		err := run(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	})
}

func (o *Orchestrator) runReconciler(ctx context.Context) error {
	ticker := time.NewTicker(o.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := o.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.ErrorContext(ctx, "reconcile pass failed", slog.String("error", err.Error()))
			} else if n > 0 {
				o.logger.InfoContext(ctx, "reconcile pass complete", slog.Int("resolved", n))
			}
		}
	}
}

func (o *Orchestrator) runProxyReload(ctx context.Context) error {
	ticker := time.NewTicker(o.proxyReload)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.proxyPool.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.ErrorContext(ctx, "proxy refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
