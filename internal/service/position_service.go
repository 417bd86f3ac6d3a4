package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
)

// PositionService manages the position book: opening from filled
// trades, closing with realized P&L, and liquidation marking.
type PositionService struct {
	positions domain.PositionStore
	audit     domain.AuditStore
	bus       *events.Bus
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(
	positions domain.PositionStore,
	audit domain.AuditStore,
	bus *events.Bus,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "position")),
	}
}

// OpenFromTrade creates an OPEN position from a filled opening trade.
func (s *PositionService) OpenFromTrade(ctx context.Context, trade domain.Trade, sig domain.Signal) (domain.Position, error) {
	now := time.Now().UTC()

	pos := domain.Position{
		ID:           uuid.NewString(),
		UserID:       trade.UserID,
		WhaleID:      sig.WhaleID,
		TradeID:      trade.ID,
		Exchange:     trade.Exchange,
		Symbol:       trade.Symbol,
		Side:         trade.Side,
		TradeType:    trade.TradeType,
		Quantity:     trade.ExecutedQty,
		RemainingQty: trade.ExecutedQty,
		EntryPrice:   trade.ExecutedPrice,
		Leverage:     trade.Leverage,
		FeesUSD:      trade.FeeAmount,
		Status:       domain.PositionStatusOpen,
		Version:      1,
		OpenedAt:     now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position: create: %w", err)
	}

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.Int64("user_id", pos.UserID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity))
	s.bus.Emit(events.TypePositionOpened, events.PositionOpened{Position: pos})
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
	})
	return pos, nil
}

// ReduceFromTrade applies a closing trade to an open position. A fill
// covering the whole remaining quantity closes the position; a partial
// fill reduces it and books the realized slice. Realized P&L on a full
// close is computed exactly once.
func (s *PositionService) ReduceFromTrade(ctx context.Context, pos domain.Position, trade domain.Trade, reason domain.CloseReason) (domain.Position, error) {
	if pos.Status.Terminal() {
		return pos, fmt.Errorf("position: reduce %s: %w", pos.ID, domain.ErrTerminalState)
	}

	qty := trade.ExecutedQty
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	realized := pos.ComputePnL(trade.ExecutedPrice, qty) - trade.FeeAmount

	pos.RemainingQty -= qty
	pos.RealizedPnL += realized
	pos.FeesUSD += trade.FeeAmount

	closed := pos.RemainingQty <= 0
	if closed {
		now := time.Now().UTC()
		exit := trade.ExecutedPrice
		pos.RemainingQty = 0
		pos.ExitPrice = &exit
		pos.Status = domain.PositionStatusClosed
		pos.CloseReason = reason
		pos.ClosedAt = &now
		pos.UnrealizedPnL = 0
	}

	if err := s.positions.Update(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return pos, fmt.Errorf("position: reduce %s: %w", pos.ID, err)
		}
		return pos, fmt.Errorf("position: update %s: %w", pos.ID, err)
	}
	pos.Version++

	if closed {
		s.logger.InfoContext(ctx, "position closed",
			slog.String("position_id", pos.ID),
			slog.Int64("user_id", pos.UserID),
			slog.String("symbol", pos.Symbol),
			slog.String("reason", string(reason)),
			slog.Float64("realized_pnl", pos.RealizedPnL))
		s.bus.Emit(events.TypePositionClosed, events.PositionClosed{Position: pos})
		s.auditLog(ctx, "position_closed", map[string]any{
			"position_id":  pos.ID,
			"user_id":      pos.UserID,
			"symbol":       pos.Symbol,
			"close_reason": string(reason),
			"realized_pnl": pos.RealizedPnL,
		})
	} else {
		s.logger.InfoContext(ctx, "position reduced",
			slog.String("position_id", pos.ID),
			slog.Float64("remaining_qty", pos.RemainingQty),
			slog.Float64("realized_slice", realized))
	}
	return pos, nil
}

// MarkLiquidated force-closes a position the exchange liquidated. The
// exit price is the venue's liquidation price.
func (s *PositionService) MarkLiquidated(ctx context.Context, pos domain.Position, liqPrice float64) (domain.Position, error) {
	if pos.Status.Terminal() {
		return pos, fmt.Errorf("position: liquidate %s: %w", pos.ID, domain.ErrTerminalState)
	}
	now := time.Now().UTC()
	pos.RealizedPnL += pos.ComputePnL(liqPrice, pos.RemainingQty)
	pos.RemainingQty = 0
	pos.ExitPrice = &liqPrice
	pos.Status = domain.PositionStatusLiquidated
	pos.CloseReason = domain.CloseReasonLiquidation
	pos.ClosedAt = &now
	pos.UnrealizedPnL = 0

	if err := s.positions.Update(ctx, pos); err != nil {
		return pos, fmt.Errorf("position: liquidate %s: %w", pos.ID, err)
	}
	pos.Version++

	s.logger.WarnContext(ctx, "position liquidated",
		slog.String("position_id", pos.ID),
		slog.Int64("user_id", pos.UserID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("realized_pnl", pos.RealizedPnL))
	s.bus.Emit(events.TypePositionClosed, events.PositionClosed{Position: pos})
	return pos, nil
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
