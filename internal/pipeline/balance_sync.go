package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// TradingPorts resolves per-user venue ports. The exchange factory
// implements it.
type TradingPorts interface {
	TradingPort(ctx context.Context, userID int64, ex domain.Exchange) (domain.ExchangePort, error)
	Enabled(ex domain.Exchange) bool
}

// BalanceSyncer refreshes the cached available USDT balance for every
// active user on every venue they hold credentials for. The cache is
// only a pre-filter for enqueueing, so sync failures degrade to
// cache misses rather than blocking anything.
type BalanceSyncer struct {
	users    domain.UserStore
	ports    TradingPorts
	balances domain.BalanceCache
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewBalanceSyncer creates a BalanceSyncer.
func NewBalanceSyncer(users domain.UserStore, ports TradingPorts, balances domain.BalanceCache, ttl, interval time.Duration, logger *slog.Logger) *BalanceSyncer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &BalanceSyncer{
		users:    users,
		ports:    ports,
		balances: balances,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance_sync")),
	}
}

// RunOnce refreshes every reachable balance once and returns how many
// cache entries were written.
func (b *BalanceSyncer) RunOnce(ctx context.Context) (int, error) {
	users, err := b.users.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("balance sync: list active users: %w", err)
	}

	written := 0
	for _, u := range users {
		for _, ex := range domain.Exchanges() {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			if !b.ports.Enabled(ex) {
				continue
			}
			if b.syncOne(ctx, u.ID, ex) {
				written++
			}
		}
	}
	return written, nil
}

// syncOne refreshes one user/venue pair. Missing credentials are
// normal and silent; other failures are logged and skipped.
func (b *BalanceSyncer) syncOne(ctx context.Context, userID int64, ex domain.Exchange) bool {
	port, err := b.ports.TradingPort(ctx, userID, ex)
	if err != nil {
		if domain.IsNotFound(err) {
			return false
		}
		b.logger.WarnContext(ctx, "port unavailable for balance sync",
			slog.Int64("user_id", userID),
			slog.String("exchange", string(ex)),
			slog.String("error", err.Error()))
		return false
	}

	available, err := port.GetBalance(ctx, "USDT")
	if err != nil {
		b.logger.WarnContext(ctx, "balance fetch failed",
			slog.Int64("user_id", userID),
			slog.String("exchange", string(ex)),
			slog.String("error", err.Error()))
		return false
	}
	if err := b.balances.Set(ctx, userID, ex, available, b.ttl); err != nil {
		b.logger.WarnContext(ctx, "balance cache write failed",
			slog.Int64("user_id", userID),
			slog.String("exchange", string(ex)),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// RunLoop refreshes balances on the configured interval until the
// context is cancelled.
func (b *BalanceSyncer) RunLoop(ctx context.Context) error {
	if _, err := b.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.ErrorContext(ctx, "balance sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("balance syncer stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.ErrorContext(ctx, "balance sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
