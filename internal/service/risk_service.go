package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// RiskService runs the pre-trade checks of the executor's reserve
// phase. A failed check skips the (user, signal) pair; it is not an
// error condition of the system.
type RiskService struct {
	positions domain.PositionStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewRiskService creates a RiskService.
func NewRiskService(positions domain.PositionStore, logger *slog.Logger) *RiskService {
	return &RiskService{
		positions: positions,
		logger:    logger.With(slog.String("component", "risk")),
		now:       time.Now,
	}
}

// PreTradeCheck validates a (user, signal) pair against the user's
// risk limits. reducing marks signals that shrink existing exposure;
// a whale trimming its position arrives as an opposite-side signal
// with is_close unset, and only the executor's position lookup can
// tell that apart from a fresh open. It returns a non-nil error
// describing the first failed check, or nil if all checks pass.
//
// Checks performed:
//  1. No opposite-direction open exposure for an exposure-adding signal
//  2. Daily realized loss within the user's limit
//  3. Open position count below the user's maximum
//
// Checks 1 and 3 stand down for reducing signals; cutting exposure is
// always allowed.
func (s *RiskService) PreTradeCheck(ctx context.Context, user domain.User, sig domain.Signal, reducing bool) error {
	// Check 1: an open against existing opposite exposure would hedge,
	// which the executor does not support.
	if !reducing {
		pos, err := s.positions.FindOpen(ctx, user.ID, sig.WhaleID, sig.Symbol)
		if err == nil && pos.Side != sig.Side {
			s.logger.WarnContext(ctx, "risk: opposite open position",
				slog.Int64("user_id", user.ID),
				slog.String("symbol", sig.Symbol),
				slog.String("held", string(pos.Side)),
				slog.String("wanted", string(sig.Side)))
			return fmt.Errorf("risk: open %s position on %s opposes signal side %s", pos.Side, sig.Symbol, sig.Side)
		}
	}

	// Check 2: daily realized-loss limit.
	if user.DailyLossLimitUSDT > 0 {
		dayStart := s.now().UTC().Truncate(24 * time.Hour)
		pnl, err := s.positions.SumRealizedPnLSince(ctx, user.ID, dayStart)
		if err != nil {
			return fmt.Errorf("risk: sum realized pnl: %w", err)
		}
		if pnl <= -user.DailyLossLimitUSDT {
			s.logger.WarnContext(ctx, "risk: daily loss limit reached",
				slog.Int64("user_id", user.ID),
				slog.Float64("realized_pnl", pnl),
				slog.Float64("limit", user.DailyLossLimitUSDT))
			return fmt.Errorf("risk: daily realized loss %.2f at limit %.2f", pnl, user.DailyLossLimitUSDT)
		}
	}

	// Check 3: max open positions. Reducing signals always pass; they
	// shrink exposure.
	if user.MaxOpenPositions > 0 && !reducing {
		open, err := s.positions.CountOpenByUser(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("risk: count open positions: %w", err)
		}
		if open >= int64(user.MaxOpenPositions) {
			s.logger.WarnContext(ctx, "risk: max positions reached",
				slog.Int64("user_id", user.ID),
				slog.Int64("open", open),
				slog.Int("max", user.MaxOpenPositions))
			return fmt.Errorf("risk: max open positions reached (%d/%d)", open, user.MaxOpenPositions)
		}
	}

	return nil
}
