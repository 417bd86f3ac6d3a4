// Package onchain observes tracked wallets through a DEX subgraph and
// feeds their swaps into the signal pipeline.
package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// SwapDetector hands decoded swaps made by a set of wallets since a
// cutoff. Implementations are expected to return swaps in ascending
// timestamp order.
type SwapDetector interface {
	FetchSwaps(ctx context.Context, wallets []common.Address, since time.Time, first int) ([]domain.Swap, error)
}

// Client is a GraphQL client for a DEX subgraph indexer, used to query
// swap events made by tracked wallets.
type Client struct {
	graphqlURL string
	apiKey     string
	chain      domain.Chain
	httpClient *http.Client
}

// NewClient creates a subgraph client for one chain.
func NewClient(graphqlURL, apiKey string, chain domain.Chain) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		chain:      chain,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ SwapDetector = (*Client)(nil)

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchSwaps queries swap events originated by the given wallets at or
// after the cutoff, limited by first, ascending by timestamp.
func (c *Client) FetchSwaps(ctx context.Context, wallets []common.Address, since time.Time, first int) ([]domain.Swap, error) {
	if len(wallets) == 0 {
		return nil, nil
	}

	query := `
		query WalletSwaps($wallets: [String!]!, $since: BigInt!, $first: Int!) {
			swaps(
				first: $first
				orderBy: timestamp
				orderDirection: asc
				where: { origin_in: $wallets, timestamp_gte: $since }
			) {
				transaction { id blockNumber }
				timestamp
				origin
				pool { id }
				token0 { symbol id }
				token1 { symbol id }
				amount0
				amount1
				amountUSD
			}
		}
	`

	lowered := make([]string, 0, len(wallets))
	for _, w := range wallets {
		lowered = append(lowered, strings.ToLower(w.Hex()))
	}
	variables := map[string]any{
		"wallets": lowered,
		"since":   fmt.Sprintf("%d", since.Unix()),
		"first":   first,
	}

	respData, err := c.doQuery(ctx, query, variables)
	if err != nil {
		return nil, fmt.Errorf("onchain: fetch swaps: %w", err)
	}

	var result struct {
		Swaps []struct {
			Transaction struct {
				ID          string `json:"id"`
				BlockNumber string `json:"blockNumber"`
			} `json:"transaction"`
			Timestamp string `json:"timestamp"`
			Origin    string `json:"origin"`
			Pool      struct {
				ID string `json:"id"`
			} `json:"pool"`
			Token0 struct {
				Symbol string `json:"symbol"`
				ID     string `json:"id"`
			} `json:"token0"`
			Token1 struct {
				Symbol string `json:"symbol"`
				ID     string `json:"id"`
			} `json:"token1"`
			Amount0   string `json:"amount0"`
			Amount1   string `json:"amount1"`
			AmountUSD string `json:"amountUSD"`
		} `json:"swaps"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("onchain: decode swaps: %w", err)
	}

	swaps := make([]domain.Swap, 0, len(result.Swaps))
	for _, s := range result.Swaps {
		ts, _ := strconv.ParseInt(s.Timestamp, 10, 64)
		block, _ := strconv.ParseUint(s.Transaction.BlockNumber, 10, 64)
		amount0, _ := strconv.ParseFloat(s.Amount0, 64)
		amount1, _ := strconv.ParseFloat(s.Amount1, 64)
		amountUSD, _ := strconv.ParseFloat(s.AmountUSD, 64)

		// Subgraph convention: the negative amount leaves the pool
		// (wallet receives it), the positive amount enters it.
		swap := domain.Swap{
			TxHash:      common.HexToHash(s.Transaction.ID),
			Chain:       c.chain,
			Wallet:      common.HexToAddress(s.Origin),
			Pool:        common.HexToAddress(s.Pool.ID),
			AmountUSD:   amountUSD,
			BlockNumber: block,
			Timestamp:   time.Unix(ts, 0).UTC(),
		}
		if amount0 > 0 {
			swap.TokenIn = common.HexToAddress(s.Token0.ID)
			swap.TokenInSym = s.Token0.Symbol
			swap.TokenOut = common.HexToAddress(s.Token1.ID)
			swap.TokenOutSym = s.Token1.Symbol
			swap.AmountIn = amount0
			swap.AmountOut = -amount1
		} else {
			swap.TokenIn = common.HexToAddress(s.Token1.ID)
			swap.TokenInSym = s.Token1.Symbol
			swap.TokenOut = common.HexToAddress(s.Token0.ID)
			swap.TokenOutSym = s.Token0.Symbol
			swap.AmountIn = amount1
			swap.AmountOut = -amount0
		}
		swaps = append(swaps, swap)
	}
	return swaps, nil
}

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("subgraph status 429: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subgraph status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var envelope graphqlResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	return envelope.Data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
