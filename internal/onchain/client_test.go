package onchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

const swapsEnvelope = `{
	"data": {
		"swaps": [
			{
				"transaction": {"id": "0xabc123", "blockNumber": "19000001"},
				"timestamp": "1756150000",
				"origin": "0x1111111111111111111111111111111111111111",
				"pool": {"id": "0x2222222222222222222222222222222222222222"},
				"token0": {"symbol": "USDC", "id": "0x3333333333333333333333333333333333333333"},
				"token1": {"symbol": "WETH", "id": "0x4444444444444444444444444444444444444444"},
				"amount0": "25000.5",
				"amount1": "-5.75",
				"amountUSD": "25000.5"
			}
		]
	}
}`

func TestFetchSwapsDecodesEnvelope(t *testing.T) {
	var gotAuth string
	var gotReq graphqlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(swapsEnvelope))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", domain.ChainEthereum)
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	since := time.Unix(1756140000, 0).UTC()

	swaps, err := client.FetchSwaps(context.Background(), []common.Address{wallet}, since, 100)
	require.NoError(t, err)
	require.Len(t, swaps, 1)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, []any{strings.ToLower(wallet.Hex())}, gotReq.Variables["wallets"])
	assert.Equal(t, "1756140000", gotReq.Variables["since"])

	s := swaps[0]
	assert.Equal(t, common.HexToHash("0xabc123"), s.TxHash)
	assert.Equal(t, domain.ChainEthereum, s.Chain)
	assert.Equal(t, wallet, s.Wallet)
	// USDC entered the pool, so the wallet sold USDC for WETH.
	assert.Equal(t, "USDC", s.TokenInSym)
	assert.Equal(t, "WETH", s.TokenOutSym)
	assert.InDelta(t, 25000.5, s.AmountIn, 1e-9)
	assert.InDelta(t, 5.75, s.AmountOut, 1e-9)
	assert.InDelta(t, 25000.5, s.AmountUSD, 1e-9)
	assert.Equal(t, uint64(19000001), s.BlockNumber)
	assert.Equal(t, time.Unix(1756150000, 0).UTC(), s.Timestamp)
}

func TestFetchSwapsNoWalletsIsNoop(t *testing.T) {
	client := NewClient("http://unused.invalid", "", domain.ChainEthereum)
	swaps, err := client.FetchSwaps(context.Background(), nil, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, swaps)
}

func TestFetchSwapsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", domain.ChainEthereum)
	_, err := client.FetchSwaps(context.Background(), []common.Address{{0x01}}, time.Now(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestFetchSwapsGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate budget exceeded"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", domain.ChainEthereum)
	_, err := client.FetchSwaps(context.Background(), []common.Address{{0x01}}, time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate budget exceeded")
}
