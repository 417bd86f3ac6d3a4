package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// WhaleService is the admin surface over tracked whales and follows.
type WhaleService struct {
	whales  domain.WhaleStore
	follows domain.FollowStore
	snaps   domain.SnapshotCache
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewWhaleService creates a WhaleService.
func NewWhaleService(
	whales domain.WhaleStore,
	follows domain.FollowStore,
	snaps domain.SnapshotCache,
	audit domain.AuditStore,
	logger *slog.Logger,
) *WhaleService {
	return &WhaleService{
		whales:  whales,
		follows: follows,
		snaps:   snaps,
		audit:   audit,
		logger:  logger.With(slog.String("component", "whale")),
	}
}

// Track registers a new whale. CEX traders need exchange + uid,
// on-chain wallets need chain + address.
func (s *WhaleService) Track(ctx context.Context, w domain.Whale) (domain.Whale, error) {
	switch w.WhaleType {
	case domain.WhaleTypeCEXTrader:
		if !domain.ValidExchange(w.Exchange) || w.ExchangeUID == "" {
			return domain.Whale{}, fmt.Errorf("whale: track: exchange and uid required: %w", domain.ErrInvalidInput)
		}
	case domain.WhaleTypeOnchainWallet:
		if w.Chain == "" || w.Address == "" {
			return domain.Whale{}, fmt.Errorf("whale: track: chain and address required: %w", domain.ErrInvalidInput)
		}
	default:
		return domain.Whale{}, fmt.Errorf("whale: track: unknown whale type %q: %w", w.WhaleType, domain.ErrInvalidInput)
	}
	if w.PollingIntervalSeconds < 1 {
		w.PollingIntervalSeconds = 60
	}
	w.DataStatus = domain.DataStatusActive
	w.IsActive = true

	id, err := s.whales.Create(ctx, w)
	if err != nil {
		return domain.Whale{}, fmt.Errorf("whale: create: %w", err)
	}
	w.ID = id

	s.logger.InfoContext(ctx, "whale tracked",
		slog.Int64("whale_id", id),
		slog.String("type", string(w.WhaleType)),
		slog.String("display_name", w.DisplayName))
	s.auditLog(ctx, "whale_tracked", map[string]any{
		"whale_id": id,
		"type":     string(w.WhaleType),
		"exchange": string(w.Exchange),
	})
	return w, nil
}

// UpdateSettings patches the operator-tunable whale fields.
func (s *WhaleService) UpdateSettings(ctx context.Context, id int64, priorityScore *float64, pollingSeconds *int, isActive *bool) (domain.Whale, error) {
	w, err := s.whales.GetByID(ctx, id)
	if err != nil {
		return domain.Whale{}, fmt.Errorf("whale: get %d: %w", id, err)
	}
	if priorityScore != nil {
		if *priorityScore < 0 || *priorityScore > 100 {
			return domain.Whale{}, fmt.Errorf("whale: priority score %.1f out of [0,100]: %w", *priorityScore, domain.ErrInvalidInput)
		}
		w.PriorityScore = *priorityScore
	}
	if pollingSeconds != nil {
		if *pollingSeconds < 1 {
			return domain.Whale{}, fmt.Errorf("whale: polling interval %d below 1s: %w", *pollingSeconds, domain.ErrInvalidInput)
		}
		w.PollingIntervalSeconds = *pollingSeconds
	}
	if isActive != nil {
		w.IsActive = *isActive
		if !*isActive {
			// Deactivation clears the warm snapshot so a later
			// reactivation starts from a fresh baseline poll.
			if err := s.snaps.Delete(ctx, w.ID); err != nil {
				s.logger.WarnContext(ctx, "whale: snapshot clear failed",
					slog.Int64("whale_id", w.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	w.UpdatedAt = time.Now().UTC()

	if err := s.whales.Update(ctx, w); err != nil {
		return domain.Whale{}, fmt.Errorf("whale: update %d: %w", id, err)
	}
	return w, nil
}

// Get returns one whale.
func (s *WhaleService) Get(ctx context.Context, id int64) (domain.Whale, error) {
	w, err := s.whales.GetByID(ctx, id)
	if err != nil {
		return domain.Whale{}, fmt.Errorf("whale: get %d: %w", id, err)
	}
	return w, nil
}

// List returns whales with pagination.
func (s *WhaleService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Whale, error) {
	ws, err := s.whales.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("whale: list: %w", err)
	}
	return ws, nil
}

// Follow subscribes a user to a whale.
func (s *WhaleService) Follow(ctx context.Context, f domain.WhaleFollow) (domain.WhaleFollow, error) {
	if _, err := s.whales.GetByID(ctx, f.WhaleID); err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("whale: follow %d: %w", f.WhaleID, err)
	}
	if !domain.ValidExchange(f.Exchange) {
		return domain.WhaleFollow{}, fmt.Errorf("whale: follow: invalid exchange %q: %w", f.Exchange, domain.ErrInvalidInput)
	}
	id, err := s.follows.Create(ctx, f)
	if err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("whale: create follow: %w", err)
	}
	f.ID = id
	s.auditLog(ctx, "whale_followed", map[string]any{
		"follow_id": id,
		"user_id":   f.UserID,
		"whale_id":  f.WhaleID,
	})
	return f, nil
}

// Unfollow removes a follow.
func (s *WhaleService) Unfollow(ctx context.Context, followID int64) error {
	if err := s.follows.Delete(ctx, followID); err != nil {
		return fmt.Errorf("whale: delete follow %d: %w", followID, err)
	}
	return nil
}

func (s *WhaleService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "whale: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
