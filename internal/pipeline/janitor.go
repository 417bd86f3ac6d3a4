package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/detect"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/queue"
)

// JanitorConfig tunes the cleanup loop.
type JanitorConfig struct {
	Interval     time.Duration
	StuckAfter   time.Duration // PROCESSING older than this is abandoned
	SignalExpiry time.Duration // PENDING older than this expires
	BatchSize    int
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	if c.SignalExpiry <= 0 {
		c.SignalExpiry = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Janitor recovers signals and trades abandoned by a crashed worker,
// expires stale PENDING signals, and prunes the in-memory dedup
// window. Recovered signals go back onto their copiers' queues;
// abandoned trades go to the reconciler or are cancelled outright.
type Janitor struct {
	signals domain.SignalStore
	trades  domain.TradeStore
	whales  domain.WhaleStore
	follows domain.FollowStore
	queue   domain.SignalQueue
	dedup   *detect.Dedup
	cfg     JanitorConfig
	logger  *slog.Logger
}

// NewJanitor creates a Janitor. dedup may be nil when the detection
// side runs in a different process.
func NewJanitor(
	signals domain.SignalStore,
	trades domain.TradeStore,
	whales domain.WhaleStore,
	follows domain.FollowStore,
	q domain.SignalQueue,
	dedup *detect.Dedup,
	cfg JanitorConfig,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		signals: signals,
		trades:  trades,
		whales:  whales,
		follows: follows,
		queue:   q,
		dedup:   dedup,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "janitor")),
	}
}

// RunOnce performs one cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	touched, err := j.signals.RequeueStuck(ctx, now.Add(-j.cfg.StuckAfter), j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("janitor: requeue stuck signals: %w", err)
	}
	requeued := 0
	for _, sig := range touched {
		if sig.Status != domain.SignalStatusPending {
			continue
		}
		if err := j.reenqueue(ctx, sig); err != nil {
			j.logger.WarnContext(ctx, "stuck signal re-enqueue failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()))
			continue
		}
		requeued++
	}

	expired, err := j.signals.ExpireOlder(ctx, now.Add(-j.cfg.SignalExpiry))
	if err != nil {
		return fmt.Errorf("janitor: expire stale signals: %w", err)
	}

	// A worker that died mid-placement leaves a trade in EXECUTING; the
	// order may be live on the venue, so hand it to the reconciler. One
	// that died between reserve and placement leaves PENDING; nothing
	// reached the venue, so cancel it and free the live-trade slot for
	// a retry.
	parked, err := j.trades.MarkStuckExecuting(ctx, now.Add(-j.cfg.StuckAfter), j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("janitor: park stuck executing trades: %w", err)
	}
	cancelled, err := j.trades.CancelStalePending(ctx, now.Add(-j.cfg.StuckAfter), j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("janitor: cancel stale pending trades: %w", err)
	}

	if j.dedup != nil {
		j.dedup.Cleanup()
	}

	if len(touched) > 0 || expired > 0 || parked > 0 || cancelled > 0 {
		j.logger.InfoContext(ctx, "janitor pass complete",
			slog.Int("recovered", len(touched)),
			slog.Int("requeued", requeued),
			slog.Int64("expired", expired),
			slog.Int64("trades_parked", parked),
			slog.Int64("trades_cancelled", cancelled))
	}
	return nil
}

// RunLoop runs cleanup passes on the configured interval until the
// context is cancelled.
func (j *Janitor) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.ErrorContext(ctx, "janitor pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// reenqueue pushes a recovered signal back onto every copier's queue.
// The queue Push is idempotent per signal ID, so copiers that still
// hold the entry are unaffected.
func (j *Janitor) reenqueue(ctx context.Context, sig domain.Signal) error {
	whale, err := j.whales.GetByID(ctx, sig.WhaleID)
	if err != nil {
		return fmt.Errorf("load whale %d: %w", sig.WhaleID, err)
	}
	copiers, err := j.follows.ListCopiers(ctx, sig.WhaleID)
	if err != nil {
		return fmt.Errorf("list copiers: %w", err)
	}

	entry := domain.QueueEntry{
		Signal:     sig,
		Score:      queue.Score(sig.Confidence, whale.PriorityScore, sig.AmountUSD),
		EnqueuedAt: time.Now().UTC(),
	}
	var errs []error
	for _, f := range copiers {
		if err := j.queue.Push(ctx, f.UserID, entry); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", f.UserID, err))
		}
	}
	return errors.Join(errs...)
}
