package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceSignDeterministic(t *testing.T) {
	h := &HMACAuth{Key: "k", Secret: "s"}

	sig1 := h.BinanceSign("symbol=BTCUSDT&timestamp=1700000000000")
	sig2 := h.BinanceSign("symbol=BTCUSDT&timestamp=1700000000000")
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64) // hex-encoded SHA-256

	// Any change to the message changes the signature.
	assert.NotEqual(t, sig1, h.BinanceSign("symbol=ETHUSDT&timestamp=1700000000000"))
}

func TestOKXHeadersAt(t *testing.T) {
	h := &HMACAuth{Key: "key", Secret: "secret", Passphrase: "phrase"}
	at := time.Date(2024, 3, 1, 9, 30, 0, 715_000_000, time.UTC)

	headers := h.OKXHeadersAt("get", "/api/v5/account/balance", "", at)

	assert.Equal(t, "key", headers["OK-ACCESS-KEY"])
	assert.Equal(t, "phrase", headers["OK-ACCESS-PASSPHRASE"])
	assert.Equal(t, "2024-03-01T09:30:00.715Z", headers["OK-ACCESS-TIMESTAMP"])
	require.NotEmpty(t, headers["OK-ACCESS-SIGN"])

	// Same inputs, same signature. Method is upper-cased before signing.
	again := h.OKXHeadersAt("GET", "/api/v5/account/balance", "", at)
	assert.Equal(t, headers["OK-ACCESS-SIGN"], again["OK-ACCESS-SIGN"])
}

func TestBybitHeadersAt(t *testing.T) {
	h := &HMACAuth{Key: "key", Secret: "secret"}

	headers := h.BybitHeadersAt(`{"category":"linear"}`, 1700000000000)

	assert.Equal(t, "key", headers["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", headers["X-BAPI-TIMESTAMP"])
	assert.Equal(t, BybitRecvWindow, headers["X-BAPI-RECV-WINDOW"])
	assert.Len(t, headers["X-BAPI-SIGN"], 64)

	// Different payload, different signature.
	other := h.BybitHeadersAt(`{"category":"spot"}`, 1700000000000)
	assert.NotEqual(t, headers["X-BAPI-SIGN"], other["X-BAPI-SIGN"])
}

func TestBitgetHeadersAt(t *testing.T) {
	h := &HMACAuth{Key: "key", Secret: "secret", Passphrase: "phrase"}

	headers := h.BitgetHeadersAt("POST", "/api/v2/spot/trade/place-order", `{"symbol":"BTCUSDT"}`, 1700000000000)

	assert.Equal(t, "key", headers["ACCESS-KEY"])
	assert.Equal(t, "phrase", headers["ACCESS-PASSPHRASE"])
	assert.Equal(t, "1700000000000", headers["ACCESS-TIMESTAMP"])
	require.NotEmpty(t, headers["ACCESS-SIGN"])
}

func TestHMACAuthStringRedacts(t *testing.T) {
	h := &HMACAuth{Key: "verylongkey", Secret: "verylongsecret"}
	s := h.String()
	assert.NotContains(t, s, "verylongkey")
	assert.NotContains(t, s, "verylongsecret")
	assert.Contains(t, s, "very****")
}

func TestEncryptDecryptSecret(t *testing.T) {
	const master = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"

	blob, err := EncryptSecret("api-secret-material", master)
	require.NoError(t, err)
	assert.NotContains(t, blob, "api-secret-material")

	got, err := DecryptSecret(blob, master)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-material", got)

	// Wrong master key must fail authentication.
	_, err = DecryptSecret(blob, "00000000000000000000000000000000")
	require.Error(t, err)
}

func TestLoadMasterKey(t *testing.T) {
	got, err := LoadMasterKey(MasterKeyConfig{RawKey: "0xdeadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got)

	_, err = LoadMasterKey(MasterKeyConfig{RawKey: "not-hex"})
	require.Error(t, err)

	_, err = LoadMasterKey(MasterKeyConfig{})
	require.Error(t, err)
}
