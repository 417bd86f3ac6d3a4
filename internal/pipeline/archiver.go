package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// Archiver moves terminal rows older than the retention window from
// the database to S3 cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, interval time.Duration, logger *slog.Logger) *Archiver {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass over signals, trades, and closed
// positions older than the retention cutoff.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays))

	signals, err := a.blobArchiver.ArchiveSignals(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving signals before %v: %w", cutoff, err)
	}
	trades, err := a.blobArchiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving trades before %v: %w", cutoff, err)
	}
	positions, err := a.blobArchiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("signals_archived", signals),
		slog.Int64("trades_archived", trades),
		slog.Int64("positions_archived", positions))
	return nil
}

// RunLoop runs archive passes on the configured interval until the
// context is cancelled.
func (a *Archiver) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
