package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/queue"
)

// CommandService exposes the manual entry points: copy a signal for a
// user on demand, skip a queued signal, and edit follow settings.
type CommandService struct {
	signals domain.SignalStore
	whales  domain.WhaleStore
	follows domain.FollowStore
	queue   domain.SignalQueue
	bus     *events.Bus
	logger  *slog.Logger
}

// NewCommandService creates a CommandService.
func NewCommandService(
	signals domain.SignalStore,
	whales domain.WhaleStore,
	follows domain.FollowStore,
	q domain.SignalQueue,
	bus *events.Bus,
	logger *slog.Logger,
) *CommandService {
	return &CommandService{
		signals: signals,
		whales:  whales,
		follows: follows,
		queue:   q,
		bus:     bus,
		logger:  logger.With(slog.String("component", "command")),
	}
}

// CopySignal enqueues a signal for one user on demand, bypassing the
// auto-copy flag. The user must follow the signal's whale.
func (s *CommandService) CopySignal(ctx context.Context, signalID string, userID int64) error {
	sig, err := s.signals.GetByID(ctx, signalID)
	if err != nil {
		return fmt.Errorf("command: get signal %s: %w", signalID, err)
	}
	if sig.Status.Terminal() {
		return fmt.Errorf("command: signal %s is %s: %w", signalID, sig.Status, domain.ErrTerminalState)
	}
	if !sig.CopyEligible() {
		return fmt.Errorf("command: signal %s is observe-only: %w", signalID, domain.ErrInvalidInput)
	}

	if _, err := s.followFor(ctx, userID, sig.WhaleID); err != nil {
		return err
	}
	whale, err := s.whales.GetByID(ctx, sig.WhaleID)
	if err != nil {
		return fmt.Errorf("command: get whale %d: %w", sig.WhaleID, err)
	}

	entry := domain.QueueEntry{
		Signal:     sig,
		Score:      queue.Score(sig.Confidence, whale.PriorityScore, sig.AmountUSD),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Push(ctx, userID, entry); err != nil {
		return fmt.Errorf("command: enqueue signal %s for user %d: %w", signalID, userID, err)
	}

	s.logger.InfoContext(ctx, "signal copied manually",
		slog.String("signal_id", signalID),
		slog.Int64("user_id", userID))
	return nil
}

// SkipSignal drops a queued signal for one user.
func (s *CommandService) SkipSignal(ctx context.Context, signalID string, userID int64) error {
	if err := s.queue.Remove(ctx, userID, signalID); err != nil {
		return fmt.Errorf("command: remove signal %s for user %d: %w", signalID, userID, err)
	}
	s.bus.Emit(events.TypeSignalSkipped, events.SignalSkipped{
		SignalID: signalID,
		UserID:   userID,
		Reason:   "user_skip",
	})
	s.logger.InfoContext(ctx, "signal skipped",
		slog.String("signal_id", signalID),
		slog.Int64("user_id", userID))
	return nil
}

// UpdateFollow patches the copy settings of one follow.
func (s *CommandService) UpdateFollow(ctx context.Context, f domain.WhaleFollow) (domain.WhaleFollow, error) {
	current, err := s.follows.GetByID(ctx, f.ID)
	if err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("command: get follow %d: %w", f.ID, err)
	}

	switch f.SizingStrategy {
	case domain.SizingFixed, domain.SizingPercent, domain.SizingKelly:
	default:
		return domain.WhaleFollow{}, fmt.Errorf("command: unknown sizing strategy %q: %w", f.SizingStrategy, domain.ErrInvalidInput)
	}
	if f.SizingStrategy == domain.SizingPercent && (f.TradeSizePercent <= 0 || f.TradeSizePercent > 1) {
		return domain.WhaleFollow{}, fmt.Errorf("command: trade_size_percent %.4f out of (0,1]: %w", f.TradeSizePercent, domain.ErrInvalidInput)
	}
	if !domain.ValidExchange(f.Exchange) {
		f.Exchange = current.Exchange
	}

	// Identity fields are immutable.
	f.UserID = current.UserID
	f.WhaleID = current.WhaleID
	f.CreatedAt = current.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	if err := s.follows.Update(ctx, f); err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("command: update follow %d: %w", f.ID, err)
	}
	return f, nil
}

// followFor finds the (user, whale) follow or fails with ErrNotFound.
func (s *CommandService) followFor(ctx context.Context, userID, whaleID int64) (domain.WhaleFollow, error) {
	follows, err := s.follows.ListByUser(ctx, userID)
	if err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("command: list follows for user %d: %w", userID, err)
	}
	for _, f := range follows {
		if f.WhaleID == whaleID {
			return f, nil
		}
	}
	return domain.WhaleFollow{}, fmt.Errorf("command: user %d does not follow whale %d: %w", userID, whaleID, domain.ErrNotFound)
}
