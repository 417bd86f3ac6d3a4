package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

//go:embed scripts/queue_pop.lua
var queuePopLua string

// defaultQueueTTL bounds how long an untouched per-user queue survives.
// Every push refreshes the expiry.
const defaultQueueTTL = time.Hour

// SignalQueue implements domain.SignalQueue using one sorted set and one
// hash per user.
//
// Key schema:
//
//	queue:{userID}       - sorted set of signal IDs (score = priority score)
//	queue:{userID}:data  - hash mapping signal ID -> JSON entry
//
// Lower scores pop first, so the drainer sees the most urgent signals at
// the head. Pop is a Lua script to keep remove-and-return atomic across
// competing drainer instances.
type SignalQueue struct {
	rdb   *redis.Client
	popSc *redis.Script
	ttl   time.Duration
}

// NewSignalQueue creates a SignalQueue backed by the given Client. A
// non-positive ttl falls back to one hour.
func NewSignalQueue(c *Client, ttl time.Duration) *SignalQueue {
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &SignalQueue{
		rdb:   c.Underlying(),
		popSc: redis.NewScript(queuePopLua),
		ttl:   ttl,
	}
}

func queueKey(userID int64) string {
	return "queue:" + strconv.FormatInt(userID, 10)
}

func queueDataKey(userID int64) string {
	return queueKey(userID) + ":data"
}

// Push adds an entry to the user's queue. Pushing a signal ID that is
// already queued overwrites its entry and score.
func (q *SignalQueue) Push(ctx context.Context, userID int64, entry domain.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal queue entry %s: %w", entry.Signal.ID, err)
	}

	zk := queueKey(userID)
	hk := queueDataKey(userID)

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, zk, redis.Z{Score: entry.Score, Member: entry.Signal.ID})
	pipe.HSet(ctx, hk, entry.Signal.ID, data)
	pipe.Expire(ctx, zk, q.ttl)
	pipe.Expire(ctx, hk, q.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: push signal %s for user %d: %w", entry.Signal.ID, userID, err)
	}
	return nil
}

// PopBatch atomically removes and returns up to max entries in score
// order. An empty queue returns an empty slice.
func (q *SignalQueue) PopBatch(ctx context.Context, userID int64, max int) ([]domain.QueueEntry, error) {
	if max <= 0 {
		return []domain.QueueEntry{}, nil
	}

	raw, err := q.popSc.Run(ctx, q.rdb, []string{queueKey(userID), queueDataKey(userID)}, max).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return []domain.QueueEntry{}, nil
		}
		return nil, fmt.Errorf("redis: pop queue for user %d: %w", userID, err)
	}

	entries := make([]domain.QueueEntry, 0, len(raw))
	for _, data := range raw {
		var entry domain.QueueEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("redis: unmarshal queue entry for user %d: %w", userID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove deletes one signal from the user's queue if still present.
func (q *SignalQueue) Remove(ctx context.Context, userID int64, signalID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(userID), signalID)
	pipe.HDel(ctx, queueDataKey(userID), signalID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove signal %s for user %d: %w", signalID, userID, err)
	}
	return nil
}

// Len returns the number of queued signals for the user.
func (q *SignalQueue) Len(ctx context.Context, userID int64) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue length for user %d: %w", userID, err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.SignalQueue = (*SignalQueue)(nil)
