package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// BalanceCache implements domain.BalanceCache using plain Redis strings
// with a TTL. A missing key means the balance is stale or was never
// synced; callers fall back to a live exchange query.
//
// Key schema:
//
//	bal:{userID}:{exchange} - available USDT as a formatted float
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func balanceKey(userID int64, exchange domain.Exchange) string {
	return "bal:" + strconv.FormatInt(userID, 10) + ":" + string(exchange)
}

// Get returns the cached available balance. The second return value is
// false when no fresh balance is cached.
func (bc *BalanceCache) Get(ctx context.Context, userID int64, exchange domain.Exchange) (float64, bool, error) {
	val, err := bc.rdb.Get(ctx, balanceKey(userID, exchange)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis: get balance user=%d exchange=%s: %w", userID, exchange, err)
	}

	bal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis: parse balance user=%d exchange=%s: %w", userID, exchange, err)
	}
	return bal, true, nil
}

// Set stores the available balance with the given TTL.
func (bc *BalanceCache) Set(ctx context.Context, userID int64, exchange domain.Exchange, availableUSDT float64, ttl time.Duration) error {
	val := strconv.FormatFloat(availableUSDT, 'f', -1, 64)
	if err := bc.rdb.Set(ctx, balanceKey(userID, exchange), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set balance user=%d exchange=%s: %w", userID, exchange, err)
	}
	return nil
}

// Invalidate drops the cached balance, forcing the next reader to the
// exchange. Called after every fill.
func (bc *BalanceCache) Invalidate(ctx context.Context, userID int64, exchange domain.Exchange) error {
	if err := bc.rdb.Del(ctx, balanceKey(userID, exchange)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balance user=%d exchange=%s: %w", userID, exchange, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
