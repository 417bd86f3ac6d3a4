package domain

import "time"

// TradeStatus is the copy-trade lifecycle state.
type TradeStatus string

const (
	TradeStatusPending             TradeStatus = "PENDING"
	TradeStatusExecuting           TradeStatus = "EXECUTING"
	TradeStatusFilled              TradeStatus = "FILLED"
	TradeStatusPartiallyFilled     TradeStatus = "PARTIALLY_FILLED"
	TradeStatusCancelled           TradeStatus = "CANCELLED"
	TradeStatusFailed              TradeStatus = "FAILED"
	TradeStatusNeedsReconciliation TradeStatus = "NEEDS_RECONCILIATION"
)

// Terminal reports whether the status is write-once final. The
// reconciler is the only writer allowed to move NEEDS_RECONCILIATION
// forward, to FILLED or FAILED.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusPartiallyFilled, TradeStatusCancelled, TradeStatusFailed:
		return true
	}
	return false
}

var validTradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:   {TradeStatusExecuting, TradeStatusFailed, TradeStatusCancelled},
	TradeStatusExecuting: {TradeStatusFilled, TradeStatusPartiallyFilled, TradeStatusCancelled, TradeStatusFailed, TradeStatusNeedsReconciliation},
	TradeStatusNeedsReconciliation: {TradeStatusFilled, TradeStatusFailed},
}

// CanTransitionTrade reports whether from→to is a legal trade status move.
func CanTransitionTrade(from, to TradeStatus) bool {
	for _, t := range validTradeTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Trade is a single order placed on behalf of a user in response to a
// signal. Version implements optimistic locking: every mutation must
// carry the version it read, and the store rejects stale writes.
type Trade struct {
	ID       string // UUID, also used as the exchange client-order-id
	UserID   int64
	SignalID string
	Exchange Exchange

	ExchangeOrderID string // empty until the order is accepted
	Symbol          string
	Side            TradeSide
	TradeType       TradeType

	Quantity      float64 // requested base quantity
	NotionalUSD   float64 // requested notional
	ExecutedQty   float64
	ExecutedPrice float64
	FeeAmount     float64
	FeeCurrency   string
	Leverage      float64

	Status   TradeStatus
	Version  int64
	ErrorMsg string

	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// ApplyResult folds a normalized order result into the trade.
func (t *Trade) ApplyResult(res OrderResult, now time.Time) {
	t.ExchangeOrderID = res.OrderID
	t.ExecutedQty = res.FilledQty
	t.ExecutedPrice = res.AvgFillPrice
	t.FeeAmount = res.FeeAmount
	t.FeeCurrency = res.FeeCurrency
	t.ExecutedAt = &now
	switch res.Status {
	case OrderStatusFilled:
		t.Status = TradeStatusFilled
	case OrderStatusPartiallyFilled:
		t.Status = TradeStatusPartiallyFilled
	case OrderStatusCancelled:
		t.Status = TradeStatusCancelled
	default:
		t.Status = TradeStatusFailed
	}
}
