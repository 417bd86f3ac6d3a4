package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// UserProcessor executes queued signals for one user. The executor
// implements it.
type UserProcessor interface {
	ProcessUser(ctx context.Context, userID int64, max int) (int, error)
}

// Drainer walks the active users each cycle and lets the executor pop
// a bounded batch from every queue. The per-user cap keeps one noisy
// whale from starving other followers' signals.
type Drainer struct {
	users    domain.UserStore
	exec     UserProcessor
	batch    int
	interval time.Duration
	logger   *slog.Logger
}

// NewDrainer creates a Drainer.
func NewDrainer(users domain.UserStore, exec UserProcessor, batch int, interval time.Duration, logger *slog.Logger) *Drainer {
	if batch <= 0 {
		batch = 5
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Drainer{
		users:    users,
		exec:     exec,
		batch:    batch,
		interval: interval,
		logger:   logger.With(slog.String("component", "drainer")),
	}
}

// RunOnce drains every active user's queue once and returns the total
// number of signals executed.
func (d *Drainer) RunOnce(ctx context.Context) (int, error) {
	users, err := d.users.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("drainer: list active users: %w", err)
	}

	total := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := d.exec.ProcessUser(ctx, u.ID, d.batch)
		total += n
		if err != nil {
			d.logger.WarnContext(ctx, "user drain failed",
				slog.Int64("user_id", u.ID),
				slog.String("error", err.Error()))
		}
	}
	return total, nil
}

// RunLoop drains on the configured interval until the context is
// cancelled.
func (d *Drainer) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if n, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.ErrorContext(ctx, "drain cycle failed", slog.String("error", err.Error()))
		} else if n > 0 {
			d.logger.InfoContext(ctx, "drain cycle complete", slog.Int("executed", n))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("drainer stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
