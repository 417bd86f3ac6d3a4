package domain

import "time"

// SignalSource identifies where a signal was observed.
type SignalSource string

const (
	SignalSourceWhalePoll   SignalSource = "WHALE_POLL"
	SignalSourceOnchainSwap SignalSource = "ONCHAIN_SWAP"
	SignalSourceManual      SignalSource = "MANUAL"
)

// SignalAction is the whale action the signal describes.
type SignalAction string

const (
	SignalActionBuy             SignalAction = "BUY"
	SignalActionSell            SignalAction = "SELL"
	SignalActionAddLiquidity    SignalAction = "ADD_LIQUIDITY"
	SignalActionRemoveLiquidity SignalAction = "REMOVE_LIQUIDITY"
)

// TradeSide is the order direction on the target exchange.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Opposite returns the flipped side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideBuy {
		return TradeSideSell
	}
	return TradeSideBuy
}

// TradeType selects the market a copy order targets.
type TradeType string

const (
	TradeTypeSpot         TradeType = "SPOT"
	TradeTypeFuturesLong  TradeType = "FUTURES_LONG"
	TradeTypeFuturesShort TradeType = "FUTURES_SHORT"
)

// SignalConfidence grades how strongly the observation implies intent.
type SignalConfidence string

const (
	ConfidenceLow      SignalConfidence = "LOW"
	ConfidenceMedium   SignalConfidence = "MEDIUM"
	ConfidenceHigh     SignalConfidence = "HIGH"
	ConfidenceVeryHigh SignalConfidence = "VERY_HIGH"
)

// SignalPriority buckets signals for queue ordering.
type SignalPriority string

const (
	PriorityLow      SignalPriority = "LOW"
	PriorityMedium   SignalPriority = "MEDIUM"
	PriorityHigh     SignalPriority = "HIGH"
	PriorityVeryHigh SignalPriority = "VERY_HIGH"
)

// SignalStatus is the signal lifecycle state.
type SignalStatus string

const (
	SignalStatusPending    SignalStatus = "PENDING"
	SignalStatusProcessing SignalStatus = "PROCESSING"
	SignalStatusProcessed  SignalStatus = "PROCESSED"
	SignalStatusExpired    SignalStatus = "EXPIRED"
	SignalStatusFailed     SignalStatus = "FAILED"
)

// Terminal reports whether the status is write-once final.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalStatusProcessed, SignalStatusExpired, SignalStatusFailed:
		return true
	}
	return false
}

// MaxSignalRetries bounds PROCESSING→PENDING recoveries per signal.
const MaxSignalRetries = 3

// Signal is one atomic observed whale action. TxHash is the external
// natural key (exchange position revision or on-chain transaction hash);
// at most one signal exists per TxHash.
type Signal struct {
	ID      string // UUID
	WhaleID int64
	TxHash  string

	Source    SignalSource
	Action    SignalAction
	Side      TradeSide
	TradeType TradeType

	Symbol     string // canonical CEX symbol; empty → not copy-eligible
	EntryPrice float64
	AmountUSD  float64
	Confidence SignalConfidence
	IsClose    bool

	Status     SignalStatus
	Priority   SignalPriority
	RetryCount int

	DetectedAt  time.Time
	ProcessedAt *time.Time
	ErrorMsg    string
}

// CopyEligible reports whether the signal can be copied to a CEX at all.
// Liquidity actions and signals without a resolvable symbol are observed
// but never executed.
func (s Signal) CopyEligible() bool {
	if s.Symbol == "" {
		return false
	}
	return s.Action == SignalActionBuy || s.Action == SignalActionSell
}
