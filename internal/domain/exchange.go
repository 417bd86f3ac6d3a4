package domain

import "context"

// Exchange identifies a supported trading venue.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeOKX     Exchange = "okx"
	ExchangeBybit   Exchange = "bybit"
	ExchangeBitget  Exchange = "bitget"
)

// Exchanges lists every supported venue in a stable order.
func Exchanges() []Exchange {
	return []Exchange{ExchangeBinance, ExchangeOKX, ExchangeBybit, ExchangeBitget}
}

// ValidExchange reports whether e names a supported venue.
func ValidExchange(e Exchange) bool {
	switch e {
	case ExchangeBinance, ExchangeOKX, ExchangeBybit, ExchangeBitget:
		return true
	}
	return false
}

// Balance is one asset balance on a venue account.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// ExchangePort is the trading surface of one venue for one account.
// Implementations normalize symbols and map venue errors to
// *ExchangeError so callers branch on Retryable, never on venue codes.
// Every order method takes a caller-chosen client order id, the
// idempotency key the reconciler later searches by.
type ExchangePort interface {
	Name() Exchange

	SpotMarketBuy(ctx context.Context, symbol string, quoteAmount float64, clientID string) (*OrderResult, error)
	SpotMarketSell(ctx context.Context, symbol string, baseQty float64, clientID string) (*OrderResult, error)
	SpotLimitBuy(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*OrderResult, error)
	SpotLimitSell(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*OrderResult, error)

	FuturesMarketLong(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*OrderResult, error)
	FuturesMarketShort(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*OrderResult, error)
	// CloseFuturesPosition reduces the given side. A qty of 0 closes
	// the whole position.
	CloseFuturesPosition(ctx context.Context, symbol string, side TradeSide, baseQty float64, clientID string) (*OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	GetBalances(ctx context.Context) ([]Balance, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// ObservationPort is the credential-less read surface used to watch a
// whale's public leaderboard positions. WithProxy derives a port that
// routes through the given egress proxy, leaving the receiver intact.
type ObservationPort interface {
	Name() Exchange
	GetLeaderboardPositions(ctx context.Context, uid string) ([]PositionSnapshot, error)
	WithProxy(proxyURL string) (ObservationPort, error)
}
