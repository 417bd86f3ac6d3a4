package exchange

import (
	"fmt"
	"strings"
)

// quoteAssets are the quote currencies we can split a canonical symbol
// on, longest first so USDT wins over a hypothetical ...USD + T base.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// canonicalSymbol folds venue spellings into the canonical compact
// form: BTCUSDT, BTC-USDT and BTC-USDT-SWAP all become BTCUSDT.
func canonicalSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return strings.TrimSuffix(s, "SWAP")
}

// splitSymbol breaks a canonical symbol into base and quote assets.
func splitSymbol(symbol string) (string, string, error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("exchange: unsupported quote asset in symbol %q", symbol)
}

// hyphenSymbol renders the canonical symbol in dash form (BTC-USDT),
// used by OKX spot instruments and Bitget margin pairs.
func hyphenSymbol(symbol string) (string, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

// okxInstID renders the OKX instrument id for a canonical symbol:
// BTC-USDT for spot, BTC-USDT-SWAP for perpetuals.
func okxInstID(symbol string, swap bool) (string, error) {
	hs, err := hyphenSymbol(symbol)
	if err != nil {
		return "", err
	}
	if swap {
		return hs + "-SWAP", nil
	}
	return hs, nil
}
