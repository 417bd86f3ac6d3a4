package domain

import (
	"context"
	"time"
)

// SnapshotCache stores the previous position snapshot per whale so a
// poll cycle can be diffed against it. The absence of a snapshot means
// the whale was never successfully polled.
type SnapshotCache interface {
	Get(ctx context.Context, whaleID int64) (SnapshotSet, bool, error)
	Set(ctx context.Context, whaleID int64, snaps SnapshotSet) error
	Delete(ctx context.Context, whaleID int64) error
}

// BalanceCache stores recently synced available balances per user and
// venue, used as a cheap pre-filter before enqueueing signals.
type BalanceCache interface {
	Get(ctx context.Context, userID int64, exchange Exchange) (float64, bool, error)
	Set(ctx context.Context, userID int64, exchange Exchange, availableUSDT float64, ttl time.Duration) error
	Invalidate(ctx context.Context, userID int64, exchange Exchange) error
}

// QueueEntry is one queued signal together with its priority score.
// Lower scores pop first.
type QueueEntry struct {
	Signal     Signal
	Score      float64
	EnqueuedAt time.Time
}

// SignalQueue is a per-user priority queue of pending signals.
type SignalQueue interface {
	Push(ctx context.Context, userID int64, entry QueueEntry) error
	// PopBatch atomically removes and returns up to max entries in
	// score order. An empty queue returns an empty slice, not an error.
	PopBatch(ctx context.Context, userID int64, max int) ([]QueueEntry, error)
	Remove(ctx context.Context, userID int64, signalID string) error
	Len(ctx context.Context, userID int64) (int64, error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Extend pushes the expiry forward. It fails if the lock was lost.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release frees the lock if still held by this owner.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire takes the named lock or returns ErrLockHeld without
	// blocking when another owner holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
