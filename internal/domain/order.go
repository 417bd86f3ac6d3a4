package domain

import "time"

// OrderRequest is the exchange-neutral description of an order to
// place. Adapters translate it to venue formats, including symbol
// normalization, so callers never see venue-specific spellings.
type OrderRequest struct {
	ClientOrderID string // idempotency key, the Trade ID
	Symbol        string // normalized, e.g. "BTCUSDT"
	Side          TradeSide
	TradeType     TradeType
	Quantity      float64 // base asset quantity
	Price         float64 // 0 means market order
	Leverage      float64 // futures only
	ReduceOnly    bool    // close-side orders must not flip exposure
}

// Market reports whether the request is a market order.
func (r OrderRequest) Market() bool {
	return r.Price == 0
}

// OrderStatus is the normalized state an exchange reports for an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderResult is the normalized outcome of an adapter order call.
// Every adapter maps its venue response into this shape before
// returning, so the executor never branches on venue formats.
type OrderResult struct {
	OrderID      string
	ClientID     string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	TotalCost    float64 // quote currency spent or received
	FeeAmount    float64
	FeeCurrency  string
}

// OpenOrder is a live order as listed by an exchange, used by the
// reconciler to match orphaned trades by client-order-id.
type OpenOrder struct {
	OrderID   string
	ClientID  string
	Symbol    string
	Side      TradeSide
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
	CreatedAt time.Time
}
