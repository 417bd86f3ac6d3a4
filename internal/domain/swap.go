package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain identifies an EVM network a tracked wallet lives on.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
)

// Swap is one decoded DEX swap made by a tracked on-chain wallet.
// TxHash is the dedup key: a swap seen twice emits one signal.
type Swap struct {
	TxHash      common.Hash
	Chain       Chain
	Wallet      common.Address
	Pool        common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	TokenInSym  string
	TokenOutSym string
	AmountIn    float64
	AmountOut   float64
	AmountUSD   float64
	BlockNumber uint64
	Timestamp   time.Time
}

// LiquidityChange reports whether the swap is actually an LP event.
// LP add/remove moves funds without a directional view and must not
// produce BUY or SELL signals.
func (s Swap) LiquidityChange() bool {
	return s.TokenIn == s.TokenOut
}
