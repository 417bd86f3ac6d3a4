package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache using JSON-serialized
// snapshot sets, one key per whale.
//
// Key schema:
//
//	snap:whale:{id} - JSON object mapping symbol -> position snapshot
//
// Keys carry no TTL: the previous snapshot is the diffing baseline and
// must survive restarts. An empty set ("{}") is meaningful and distinct
// from an absent key; it says the whale was polled and held nothing.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotKey(whaleID int64) string {
	return "snap:whale:" + strconv.FormatInt(whaleID, 10)
}

// Get returns the stored snapshot set for a whale. The second return
// value is false when the whale has never been snapshotted.
func (sc *SnapshotCache) Get(ctx context.Context, whaleID int64) (domain.SnapshotSet, bool, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(whaleID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get snapshot for whale %d: %w", whaleID, err)
	}

	var snaps domain.SnapshotSet
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, false, fmt.Errorf("redis: unmarshal snapshot for whale %d: %w", whaleID, err)
	}
	if snaps == nil {
		snaps = domain.SnapshotSet{}
	}
	return snaps, true, nil
}

// Set stores the snapshot set for a whale, replacing any previous one.
func (sc *SnapshotCache) Set(ctx context.Context, whaleID int64, snaps domain.SnapshotSet) error {
	if snaps == nil {
		snaps = domain.SnapshotSet{}
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot for whale %d: %w", whaleID, err)
	}

	if err := sc.rdb.Set(ctx, snapshotKey(whaleID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot for whale %d: %w", whaleID, err)
	}
	return nil
}

// Delete removes a whale's snapshot, resetting its diffing baseline.
func (sc *SnapshotCache) Delete(ctx context.Context, whaleID int64) error {
	if err := sc.rdb.Del(ctx, snapshotKey(whaleID)).Err(); err != nil {
		return fmt.Errorf("redis: delete snapshot for whale %d: %w", whaleID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
