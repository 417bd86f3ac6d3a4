package domain

import "time"

// WhaleType distinguishes leaderboard traders from tracked wallets.
type WhaleType string

const (
	WhaleTypeCEXTrader     WhaleType = "CEX_TRADER"
	WhaleTypeOnchainWallet WhaleType = "ONCHAIN_WALLET"
)

// DataStatus classifies how observable a whale currently is.
type DataStatus string

const (
	DataStatusActive          DataStatus = "ACTIVE"
	DataStatusSharingDisabled DataStatus = "SHARING_DISABLED"
	DataStatusRateLimited     DataStatus = "RATE_LIMITED"
	DataStatusInactive        DataStatus = "INACTIVE"
)

// Whale is a tracked external trading identity, either an exchange
// leaderboard trader or an on-chain wallet.
type Whale struct {
	ID          int64
	DisplayName string
	WhaleType   WhaleType
	Exchange    Exchange // CEX traders only
	ExchangeUID string   // opaque leaderboard identifier
	Chain       string   // on-chain wallets only
	Address     string   // checksummed hex address

	DataStatus             DataStatus
	ConsecutiveEmptyChecks int
	LastPositionCheck      *time.Time
	LastPositionFound      *time.Time
	SharingDisabledAt      *time.Time
	SharingRecheckAt       *time.Time

	PriorityScore          float64 // [0,100], monotone in historical yield
	PollingIntervalSeconds int
	IsActive               bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PollingInterval returns the whale's polling interval as a duration,
// never less than one second.
func (w Whale) PollingInterval() time.Duration {
	if w.PollingIntervalSeconds < 1 {
		return time.Second
	}
	return time.Duration(w.PollingIntervalSeconds) * time.Second
}

// RecheckDue reports whether a whale whose data stopped flowing is due
// for revalidation at the given instant. ACTIVE whales poll on their
// own schedule and never revalidate.
func (w Whale) RecheckDue(now time.Time) bool {
	if w.DataStatus == DataStatusActive {
		return false
	}
	return w.SharingRecheckAt != nil && !w.SharingRecheckAt.After(now)
}

// PositionSnapshot is a single open position as observed on a whale's
// leaderboard profile (or reconstructed from on-chain holdings).
type PositionSnapshot struct {
	Symbol     string // canonical, e.g. "BTCUSDT"
	Side       TradeSide
	Size       float64 // base quantity
	EntryPrice float64
	MarkPrice  float64
	Leverage   float64
	AmountUSD  float64
	Revision   string // exchange position revision, dedup key
}

// SnapshotSet maps canonical symbol to the observed position. A whale has
// at most one leaderboard position per symbol.
type SnapshotSet map[string]PositionSnapshot
