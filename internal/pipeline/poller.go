// Package pipeline runs the background loops: whale polling, queue
// draining, reconciliation, balance sync, janitorial cleanup, and cold
// archival. Each loop is a Run/RunLoop pair and the orchestrator ties
// them together under one errgroup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/whalecopybot/internal/detect"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
	"github.com/alanyoungcy/whalecopybot/internal/sharing"
)

// PortSource provides credential-less leaderboard readers per venue.
type PortSource interface {
	ObservationPort(ex domain.Exchange) (domain.ObservationPort, error)
}

// ProxyLeaser hands out proxies for observation fetches.
type ProxyLeaser interface {
	Lease(exchange domain.Exchange) (domain.ProxyLease, error)
	Release(ctx context.Context, lease domain.ProxyLease, out proxy.Outcome)
}

// Throttle is the per-venue observation call budget.
type Throttle interface {
	CanProceed(exchange domain.Exchange) bool
	RecordSuccess(exchange domain.Exchange)
	RecordRateLimit(exchange domain.Exchange) time.Duration
}

// ChangeEmitter turns position diffs into persisted, fanned-out
// signals. The detect emitter implements it.
type ChangeEmitter interface {
	EmitChanges(ctx context.Context, whale domain.Whale, changes []detect.Change) (int, error)
}

// PollerConfig tunes one polling cycle.
type PollerConfig struct {
	Interval      time.Duration
	BatchSize     int
	MaxConcurrent int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return c
}

// Poller drives the observation side: it picks poll-due whales, fetches
// their leaderboard positions through a leased proxy under the venue
// budget, classifies the outcome, and diffs the snapshot into signals.
type Poller struct {
	whales    domain.WhaleStore
	ports     PortSource
	proxies   ProxyLeaser // nil means direct fetches
	throttle  Throttle
	validator *sharing.Validator
	snapshots domain.SnapshotCache
	emitter   ChangeEmitter
	cfg       PollerConfig
	logger    *slog.Logger
}

// NewPoller creates a Poller. proxies may be nil when the proxy pool is
// disabled; fetches then go out directly.
func NewPoller(
	whales domain.WhaleStore,
	ports PortSource,
	proxies ProxyLeaser,
	throttle Throttle,
	validator *sharing.Validator,
	snapshots domain.SnapshotCache,
	emitter ChangeEmitter,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		whales:    whales,
		ports:     ports,
		proxies:   proxies,
		throttle:  throttle,
		validator: validator,
		snapshots: snapshots,
		emitter:   emitter,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "poller")),
	}
}

// RunOnce executes one polling cycle and returns how many signals were
// emitted across all polled whales.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	due, err := p.whales.ListPollDue(ctx, time.Now().UTC(), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("poller: list due whales: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var emitted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)
	for _, w := range due {
		whale := w
		g.Go(func() error {
			n := p.pollWhale(gctx, whale)
			emitted.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(emitted.Load()), err
	}
	return int(emitted.Load()), nil
}

// RunLoop runs polling cycles on the configured interval until the
// context is cancelled.
func (p *Poller) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "poll cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollWhale fetches one whale and folds the outcome into state. It
// returns the number of signals emitted. A throttled venue or an empty
// proxy pool defers the whale; ListPollDue will offer it again next
// cycle because last_position_check only moves on an actual fetch.
func (p *Poller) pollWhale(ctx context.Context, whale domain.Whale) int {
	if whale.WhaleType != domain.WhaleTypeCEXTrader {
		return 0
	}
	if !p.throttle.CanProceed(whale.Exchange) {
		p.logger.DebugContext(ctx, "venue budget exhausted, deferring whale",
			slog.Int64("whale_id", whale.ID),
			slog.String("exchange", string(whale.Exchange)))
		return 0
	}

	obs, err := p.ports.ObservationPort(whale.Exchange)
	if err != nil {
		p.logger.WarnContext(ctx, "no observation port",
			slog.String("exchange", string(whale.Exchange)),
			slog.String("error", err.Error()))
		return 0
	}

	var lease domain.ProxyLease
	leased := false
	if p.proxies != nil {
		lease, err = p.proxies.Lease(whale.Exchange)
		if err != nil {
			p.logger.WarnContext(ctx, "no proxy available, deferring whale",
				slog.Int64("whale_id", whale.ID),
				slog.String("exchange", string(whale.Exchange)))
			return 0
		}
		leased = true
		if obs, err = obs.WithProxy(lease.URL); err != nil {
			p.proxies.Release(ctx, lease, proxy.Failed("bad proxy url"))
			p.logger.WarnContext(ctx, "proxy rejected by transport",
				slog.Int64("proxy_id", lease.ProxyID),
				slog.String("error", err.Error()))
			return 0
		}
	}

	start := time.Now()
	positions, fetchErr := obs.GetLeaderboardPositions(ctx, whale.ExchangeUID)
	latency := time.Since(start)

	p.settleBudget(ctx, whale.Exchange, lease, leased, latency, fetchErr)

	if errors.Is(fetchErr, domain.ErrCircuitOpen) {
		// The breaker fast-failed before any bytes left the process.
		// Not a data point about the whale; defer without a status write.
		p.logger.DebugContext(ctx, "venue circuit open, deferring whale",
			slog.Int64("whale_id", whale.ID),
			slog.String("exchange", string(whale.Exchange)))
		return 0
	}

	if err := p.validator.Apply(ctx, &whale, positions, fetchErr); err != nil {
		p.logger.ErrorContext(ctx, "sharing validation failed",
			slog.Int64("whale_id", whale.ID),
			slog.String("error", err.Error()))
	}
	if fetchErr != nil || whale.DataStatus != domain.DataStatusActive {
		return 0
	}
	return p.diffAndEmit(ctx, whale, positions)
}

// settleBudget releases the lease and feeds the governor based on how
// the fetch went. A sharing-disabled answer is still a healthy proxy
// and a consumed budget slot.
func (p *Poller) settleBudget(ctx context.Context, ex domain.Exchange, lease domain.ProxyLease, leased bool, latency time.Duration, fetchErr error) {
	switch {
	case fetchErr == nil, errors.Is(fetchErr, domain.ErrSharingDisabled):
		p.throttle.RecordSuccess(ex)
		if leased {
			p.proxies.Release(ctx, lease, proxy.Success(latency))
		}
	case errors.Is(fetchErr, domain.ErrRateLimited):
		retryAfter := p.throttle.RecordRateLimit(ex)
		if leased {
			p.proxies.Release(ctx, lease, proxy.RateLimited(retryAfter))
		}
	case errors.Is(fetchErr, domain.ErrCircuitOpen):
		// The proxy was never exercised; hand it back untouched.
		if leased {
			p.proxies.Release(ctx, lease, proxy.Success(0))
		}
	default:
		if leased {
			p.proxies.Release(ctx, lease, proxy.Failed(fetchErr.Error()))
		}
	}
}

// diffAndEmit compares the fresh snapshot against the cached one and
// emits the resulting changes. The first observation of a whale only
// records a baseline: positions that predate tracking are not copied.
func (p *Poller) diffAndEmit(ctx context.Context, whale domain.Whale, positions []domain.PositionSnapshot) int {
	next := make(domain.SnapshotSet, len(positions))
	for _, pos := range positions {
		next[pos.Symbol] = pos
	}

	prev, seen, err := p.snapshots.Get(ctx, whale.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "snapshot read failed",
			slog.Int64("whale_id", whale.ID),
			slog.String("error", err.Error()))
		return 0
	}

	emitted := 0
	if seen {
		changes := detect.Diff(prev, next)
		if len(changes) > 0 {
			if emitted, err = p.emitter.EmitChanges(ctx, whale, changes); err != nil {
				p.logger.ErrorContext(ctx, "change emit incomplete",
					slog.Int64("whale_id", whale.ID),
					slog.Int("emitted", emitted),
					slog.String("error", err.Error()))
			}
		}
	}

	if err := p.snapshots.Set(ctx, whale.ID, next); err != nil {
		p.logger.ErrorContext(ctx, "snapshot write failed",
			slog.Int64("whale_id", whale.ID),
			slog.String("error", err.Error()))
	}
	return emitted
}
