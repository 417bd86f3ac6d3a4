package domain

import "time"

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// Terminal reports whether the position can no longer be mutated.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonWhaleExit   CloseReason = "WHALE_EXIT"
	CloseReasonUserAction  CloseReason = "USER_ACTION"
	CloseReasonStopLoss    CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
)

// Position is the book-keeping of one exposure opened by a copy trade.
// Version implements optimistic locking, as on Trade. A CLOSED or
// LIQUIDATED position is immutable; realized P&L is computed exactly
// once, on close.
type Position struct {
	ID       string // UUID
	UserID   int64
	WhaleID  int64
	TradeID  string // opening trade
	Exchange Exchange

	Symbol    string
	Side      TradeSide
	TradeType TradeType

	Quantity     float64
	RemainingQty float64
	EntryPrice   float64
	ExitPrice    *float64
	Leverage     float64

	StopLossPrice     *float64
	StopLossOrderID   string // reduce-only order, if placed
	TakeProfitPrice   *float64
	TakeProfitOrderID string

	UnrealizedPnL float64
	RealizedPnL   float64
	FeesUSD       float64

	Status      PositionStatus
	CloseReason CloseReason
	Version     int64

	OpenedAt time.Time
	ClosedAt *time.Time
}

// ComputePnL returns the realized P&L for closing qty at exitPrice:
// (exit - entry) * qty * leverage for longs, negated for shorts.
// Fees are subtracted by the caller.
func (p Position) ComputePnL(exitPrice, qty float64) float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	diff := exitPrice - p.EntryPrice
	if p.Side == TradeSideSell {
		diff = -diff
	}
	return diff * qty * lev
}
