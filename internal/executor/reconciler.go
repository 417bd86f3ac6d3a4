package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/service"
)

// Reconciler adjudicates trades parked as NEEDS_RECONCILIATION. The
// trade ID doubles as the exchange client-order-id, so the venue is
// the source of truth: an order found there upgrades the trade to
// FILLED, a confirmed absence fails it.
type Reconciler struct {
	trades    domain.TradeStore
	signals   domain.SignalStore
	positions domain.PositionStore
	posSvc    *service.PositionService
	ports     PortProvider
	bus       *events.Bus
	batchSize int
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	trades domain.TradeStore,
	signals domain.SignalStore,
	positions domain.PositionStore,
	posSvc *service.PositionService,
	ports PortProvider,
	bus *events.Bus,
	batchSize int,
	logger *slog.Logger,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Reconciler{
		trades:    trades,
		signals:   signals,
		positions: positions,
		posSvc:    posSvc,
		ports:     ports,
		bus:       bus,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run processes one batch of parked trades and returns how many were
// adjudicated. A trade it cannot decide yet stays parked for the next
// pass.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	parked, err := r.trades.ListNeedsReconciliation(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list parked trades: %w", err)
	}

	resolved := 0
	for _, trade := range parked {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.reconcile(ctx, trade)
		if err != nil {
			r.logger.WarnContext(ctx, "reconcile attempt failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

// reconcile decides one parked trade. The bool reports whether the
// trade reached a terminal state.
func (r *Reconciler) reconcile(ctx context.Context, trade domain.Trade) (bool, error) {
	port, err := r.ports.TradingPort(ctx, trade.UserID, trade.Exchange)
	if err != nil {
		return false, fmt.Errorf("resolve port: %w", err)
	}

	lookupID := trade.ExchangeOrderID
	if lookupID == "" {
		lookupID = trade.ID // client-order-id
	}
	res, err := port.GetOrder(ctx, trade.Symbol, lookupID)
	switch {
	case err == nil:
		return r.adjudicate(ctx, trade, *res)
	case domain.IsNotFound(err):
		// Not in order history; double-check the open-order book
		// before declaring the order never happened.
		open, listErr := port.GetOpenOrders(ctx, trade.Symbol)
		if listErr != nil {
			return false, fmt.Errorf("list open orders: %w", listErr)
		}
		for _, o := range open {
			if o.ClientID == trade.ID || (trade.ExchangeOrderID != "" && o.OrderID == trade.ExchangeOrderID) {
				// Still live; look again next pass.
				return false, nil
			}
		}
		return r.fail(ctx, trade, "order not found on exchange")
	case domain.IsRetryable(err):
		return false, nil // venue unhappy right now; retry next pass
	default:
		return false, fmt.Errorf("get order: %w", err)
	}
}

// adjudicate folds the venue's answer into the parked trade.
func (r *Reconciler) adjudicate(ctx context.Context, trade domain.Trade, res domain.OrderResult) (bool, error) {
	switch res.Status {
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
		now := time.Now().UTC()
		trade.ApplyResult(res, now)
		if err := r.trades.Update(ctx, trade); err != nil {
			return false, fmt.Errorf("record reconciled fill: %w", err)
		}
		trade.Version++
		r.bookPosition(ctx, trade)
		r.completeSignal(ctx, trade.SignalID)
		r.logger.InfoContext(ctx, "trade reconciled as filled",
			slog.String("trade_id", trade.ID),
			slog.String("exchange_order_id", trade.ExchangeOrderID),
			slog.Float64("executed_qty", trade.ExecutedQty))
		r.bus.Emit(events.TypeTradeReconciled, events.TradeReconciled{Trade: trade, Outcome: "filled"})
		return true, nil
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		return r.fail(ctx, trade, fmt.Sprintf("exchange reports %s", res.Status))
	default:
		// Still open; decide on a later pass.
		return false, nil
	}
}

// fail closes a parked trade as FAILED and fails its signal: the
// retry budget does not apply once an execution went ambiguous.
func (r *Reconciler) fail(ctx context.Context, trade domain.Trade, reason string) (bool, error) {
	trade.Status = domain.TradeStatusFailed
	trade.ErrorMsg = reason
	if err := r.trades.Update(ctx, trade); err != nil {
		return false, fmt.Errorf("record reconciled failure: %w", err)
	}
	trade.Version++

	if err := r.signals.UpdateStatus(ctx, trade.SignalID, domain.SignalStatusProcessing, domain.SignalStatusFailed, reason); err != nil && !errors.Is(err, domain.ErrVersionConflict) {
		r.logger.WarnContext(ctx, "signal fail write failed",
			slog.String("signal_id", trade.SignalID),
			slog.String("error", err.Error()))
	}

	r.logger.InfoContext(ctx, "trade reconciled as failed",
		slog.String("trade_id", trade.ID),
		slog.String("reason", reason))
	r.bus.Emit(events.TypeTradeReconciled, events.TradeReconciled{Trade: trade, Outcome: "failed"})
	return true, nil
}

// bookPosition applies a reconciled fill to the position book, using
// the signal to tell opens from closes.
func (r *Reconciler) bookPosition(ctx context.Context, trade domain.Trade) {
	sig, err := r.signals.GetByID(ctx, trade.SignalID)
	if err != nil {
		r.logger.WarnContext(ctx, "reconciled trade without signal",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()))
		return
	}

	pos, posErr := r.positions.FindOpen(ctx, trade.UserID, sig.WhaleID, trade.Symbol)
	closing := posErr == nil && pos.Side != trade.Side

	if closing {
		if _, err := r.posSvc.ReduceFromTrade(ctx, pos, trade, domain.CloseReasonWhaleExit); err != nil {
			r.logger.ErrorContext(ctx, "reconciled position reduce failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()))
		}
		return
	}
	if _, err := r.posSvc.OpenFromTrade(ctx, trade, sig); err != nil {
		r.logger.ErrorContext(ctx, "reconciled position open failed",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()))
	}
}

// completeSignal finishes the signal if this trade's executor still
// owned it.
func (r *Reconciler) completeSignal(ctx context.Context, signalID string) {
	if err := r.signals.UpdateStatus(ctx, signalID, domain.SignalStatusProcessing, domain.SignalStatusProcessed, ""); err != nil && !errors.Is(err, domain.ErrVersionConflict) {
		r.logger.WarnContext(ctx, "signal completion write failed",
			slog.String("signal_id", signalID),
			slog.String("error", err.Error()))
	}
}
