package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WhaleStore persists tracked whales.
type WhaleStore interface {
	Create(ctx context.Context, w Whale) (int64, error)
	Update(ctx context.Context, w Whale) error
	GetByID(ctx context.Context, id int64) (Whale, error)
	// ListPollDue returns active whales eligible for a poll cycle,
	// ordered by priority score descending, then least recently
	// checked first.
	ListPollDue(ctx context.Context, now time.Time, limit int) ([]Whale, error)
	ListByStatus(ctx context.Context, status DataStatus, opts ListOpts) ([]Whale, error)
	List(ctx context.Context, opts ListOpts) ([]Whale, error)
	Count(ctx context.Context) (int64, error)
}

// FollowStore persists user-to-whale follow relationships.
type FollowStore interface {
	Create(ctx context.Context, f WhaleFollow) (int64, error)
	Update(ctx context.Context, f WhaleFollow) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (WhaleFollow, error)
	// ListCopiers returns follows with auto-copy enabled whose user is
	// active, for fan-out when the whale emits a signal.
	ListCopiers(ctx context.Context, whaleID int64) ([]WhaleFollow, error)
	ListByUser(ctx context.Context, userID int64) ([]WhaleFollow, error)
}

// UserStore persists copy-trading users and their venue credentials.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (User, error)
	ListActive(ctx context.Context) ([]User, error)
	// Credential returns the stored API credential for one venue with
	// secret material still encrypted.
	Credential(ctx context.Context, userID int64, exchange Exchange) (APICredential, error)
	UpsertCredential(ctx context.Context, cred APICredential) error
}

// SignalStore persists emitted signals.
type SignalStore interface {
	Create(ctx context.Context, s Signal) error
	GetByID(ctx context.Context, id string) (Signal, error)
	// ExistsByTxHash reports whether a signal for this transaction was
	// already emitted. Used for on-chain dedup before insert.
	ExistsByTxHash(ctx context.Context, txHash string) (bool, error)
	// UpdateStatus moves id from one status to another atomically and
	// returns ErrVersionConflict when the signal is no longer in from.
	UpdateStatus(ctx context.Context, id string, from, to SignalStatus, errMsg string) error
	ListByStatus(ctx context.Context, status SignalStatus, opts ListOpts) ([]Signal, error)
	ListByWhale(ctx context.Context, whaleID int64, opts ListOpts) ([]Signal, error)
	// RequeueStuck returns PROCESSING signals older than cutoff to
	// PENDING with an incremented retry count, and fails those already
	// at the retry ceiling. It returns the signals it touched.
	RequeueStuck(ctx context.Context, cutoff time.Time, limit int) ([]Signal, error)
	// ExpireOlder marks PENDING signals detected before cutoff EXPIRED
	// and returns how many rows changed.
	ExpireOlder(ctx context.Context, cutoff time.Time) (int64, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Signal, error)
	DeleteBatch(ctx context.Context, ids []string) error
}

// TradeStore persists copy trades with optimistic version locking.
type TradeStore interface {
	Create(ctx context.Context, t Trade) error
	// Update writes t only if the stored row still carries t.Version,
	// bumping the version on success. Stale writes return
	// ErrVersionConflict.
	Update(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	// GetBySignalAndUser returns this user's live trade for the signal,
	// or ErrNotFound. Failed and cancelled attempts do not count. One
	// signal fans out to many followers; each follower holds at most
	// one live trade per signal.
	GetBySignalAndUser(ctx context.Context, signalID string, userID int64) (Trade, error)
	ListBySignal(ctx context.Context, signalID string) ([]Trade, error)
	ListByUser(ctx context.Context, userID int64, opts ListOpts) ([]Trade, error)
	ListNeedsReconciliation(ctx context.Context, limit int) ([]Trade, error)
	// MarkStuckExecuting parks EXECUTING trades older than cutoff as
	// NEEDS_RECONCILIATION. A worker that crashed mid-placement leaves
	// the trade there; only the reconciler can adjudicate it.
	MarkStuckExecuting(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// CancelStalePending cancels PENDING trades older than cutoff. Such
	// orphans never reached the venue: the worker died between the
	// reserve write and the placement phase.
	CancelStalePending(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// ListTerminalBefore returns finished trades older than cutoff for
	// cold archival.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteBatch(ctx context.Context, ids []string) error
}

// PositionStore persists copied positions with optimistic version locking.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	// Update writes p only if the stored row still carries p.Version,
	// bumping the version on success.
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// FindOpen returns the user's open position mirroring whale
	// exposure on symbol, or ErrNotFound.
	FindOpen(ctx context.Context, userID, whaleID int64, symbol string) (Position, error)
	ListOpenByUser(ctx context.Context, userID int64) ([]Position, error)
	CountOpenByUser(ctx context.Context, userID int64) (int64, error)
	SumRealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error)
	ListHistory(ctx context.Context, userID int64, opts ListOpts) ([]Position, error)
	// ListClosedBefore returns terminal positions older than cutoff
	// for cold archival.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteBatch(ctx context.Context, ids []string) error
}

// ProxyStore persists the proxy inventory. Lease state lives in
// memory; the store keeps durable status and counters.
type ProxyStore interface {
	Create(ctx context.Context, p Proxy) (int64, error)
	Update(ctx context.Context, p Proxy) error
	GetByID(ctx context.Context, id int64) (Proxy, error)
	List(ctx context.Context) ([]Proxy, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
