// Package events is the in-process domain event bus. Handlers register
// per event type; publishing dispatches sequentially and a failing or
// panicking handler never aborts its siblings. Delivery is at most
// once and best effort.
package events

import (
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// Type names a domain event.
type Type string

const (
	TypeSignalDetected           Type = "signal_detected"
	TypeSignalSkipped            Type = "signal_skipped"
	TypeSignalExpired            Type = "signal_expired"
	TypeTradeExecuted            Type = "trade_executed"
	TypeTradeFailed              Type = "trade_failed"
	TypeTradeNeedsReconciliation Type = "trade_needs_reconciliation"
	TypeTradeReconciled          Type = "trade_reconciled"
	TypePositionOpened           Type = "position_opened"
	TypePositionClosed           Type = "position_closed"
	TypeSharingDisabled          Type = "sharing_disabled"
	TypeWhaleStatusChanged       Type = "whale_status_changed"
	TypeError                    Type = "error"
)

// Event is one published domain event. Payload is one of the structs
// below, keyed by Type.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// SignalDetected is published when the emitter persists a new signal.
type SignalDetected struct {
	Signal domain.Signal `json:"signal"`
	Whale  domain.Whale  `json:"whale"`
}

// SignalSkipped is published when a (user, signal) pair is dropped
// before execution. The reason is one of the §7 ineligibility causes.
type SignalSkipped struct {
	SignalID string `json:"signal_id"`
	UserID   int64  `json:"user_id"`
	Reason   string `json:"reason"`
}

// TradeExecuted is published after a trade reaches FILLED or
// PARTIALLY_FILLED.
type TradeExecuted struct {
	Trade domain.Trade `json:"trade"`
}

// TradeFailed is published after a trade reaches FAILED.
type TradeFailed struct {
	Trade  domain.Trade `json:"trade"`
	Reason string       `json:"reason"`
}

// TradeNeedsReconciliation is published when an execution ended
// ambiguously and the trade was parked for the reconciler.
type TradeNeedsReconciliation struct {
	Trade domain.Trade `json:"trade"`
}

// TradeReconciled is published when the reconciler adjudicates a
// parked trade.
type TradeReconciled struct {
	Trade   domain.Trade `json:"trade"`
	Outcome string       `json:"outcome"` // filled | failed
}

// PositionOpened is published when an opening trade creates a position.
type PositionOpened struct {
	Position domain.Position `json:"position"`
}

// PositionClosed is published when a position closes, with realized
// P&L already computed.
type PositionClosed struct {
	Position domain.Position `json:"position"`
}

// SharingDisabled is published when a whale transitions to
// SHARING_DISABLED.
type SharingDisabled struct {
	Whale domain.Whale `json:"whale"`
}

// WhaleStatusChanged is published on every whale data-status
// transition, including back to ACTIVE.
type WhaleStatusChanged struct {
	Whale domain.Whale      `json:"whale"`
	From  domain.DataStatus `json:"from"`
	To    domain.DataStatus `json:"to"`
}

// ErrorEvent is published for unexpected failures that were contained
// to a single task.
type ErrorEvent struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}
