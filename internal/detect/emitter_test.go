package detect

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
)

type fakeSignalStore struct {
	created  []domain.Signal
	existing map[string]bool
}

func (f *fakeSignalStore) Create(ctx context.Context, s domain.Signal) error {
	f.created = append(f.created, s)
	return nil
}
func (f *fakeSignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	return domain.Signal{}, domain.ErrNotFound
}
func (f *fakeSignalStore) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	return f.existing[txHash], nil
}
func (f *fakeSignalStore) UpdateStatus(ctx context.Context, id string, from, to domain.SignalStatus, errMsg string) error {
	return nil
}
func (f *fakeSignalStore) ListByStatus(ctx context.Context, status domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) ListByWhale(ctx context.Context, whaleID int64, opts domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) RequeueStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) ExpireOlder(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSignalStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) DeleteBatch(ctx context.Context, ids []string) error { return nil }

type fakeFollowStore struct {
	copiers []domain.WhaleFollow
}

func (f *fakeFollowStore) Create(ctx context.Context, fl domain.WhaleFollow) (int64, error) {
	return 1, nil
}
func (f *fakeFollowStore) Update(ctx context.Context, fl domain.WhaleFollow) error { return nil }
func (f *fakeFollowStore) Delete(ctx context.Context, id int64) error              { return nil }
func (f *fakeFollowStore) GetByID(ctx context.Context, id int64) (domain.WhaleFollow, error) {
	return domain.WhaleFollow{}, domain.ErrNotFound
}
func (f *fakeFollowStore) ListCopiers(ctx context.Context, whaleID int64) ([]domain.WhaleFollow, error) {
	return f.copiers, nil
}
func (f *fakeFollowStore) ListByUser(ctx context.Context, userID int64) ([]domain.WhaleFollow, error) {
	return nil, nil
}

type fakeQueue struct {
	pushed map[int64][]domain.QueueEntry
}

func (f *fakeQueue) Push(ctx context.Context, userID int64, entry domain.QueueEntry) error {
	if f.pushed == nil {
		f.pushed = make(map[int64][]domain.QueueEntry)
	}
	f.pushed[userID] = append(f.pushed[userID], entry)
	return nil
}
func (f *fakeQueue) PopBatch(ctx context.Context, userID int64, max int) ([]domain.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueue) Remove(ctx context.Context, userID int64, signalID string) error { return nil }
func (f *fakeQueue) Len(ctx context.Context, userID int64) (int64, error)            { return 0, nil }

type fakeBalances struct {
	balances map[int64]float64
}

func (f *fakeBalances) Get(ctx context.Context, userID int64, ex domain.Exchange) (float64, bool, error) {
	b, ok := f.balances[userID]
	return b, ok, nil
}
func (f *fakeBalances) Set(ctx context.Context, userID int64, ex domain.Exchange, availableUSDT float64, ttl time.Duration) error {
	return nil
}
func (f *fakeBalances) Invalidate(ctx context.Context, userID int64, ex domain.Exchange) error {
	return nil
}

func testWhale() domain.Whale {
	return domain.Whale{
		ID:            42,
		Exchange:      domain.ExchangeBinance,
		WhaleType:     domain.WhaleTypeCEXTrader,
		PriorityScore: 80,
	}
}

func newTestEmitter(signals *fakeSignalStore, follows *fakeFollowStore, q *fakeQueue, balances *fakeBalances) *Emitter {
	return NewEmitter(signals, follows, q, balances, events.NewBus(slog.Default()), NewDedup(time.Minute), Config{
		MinTradingBalanceUSDT: 100,
		MinSwapUSD:            1_000,
		QueueTTL:              time.Hour,
	}, slog.Default())
}

func TestEmitChangesPersistsAndEnqueues(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	follows := &fakeFollowStore{copiers: []domain.WhaleFollow{
		{UserID: 1, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
		{UserID: 2, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
	}}
	q := &fakeQueue{}
	balances := &fakeBalances{balances: map[int64]float64{1: 5_000, 2: 2_000}}
	em := newTestEmitter(signals, follows, q, balances)

	changes := Diff(domain.SnapshotSet{}, domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	})

	n, err := em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, signals.created, 1)
	sig := signals.created[0]
	assert.Equal(t, domain.SignalStatusPending, sig.Status)
	assert.Equal(t, domain.SignalActionBuy, sig.Action)
	assert.Equal(t, domain.TradeTypeFuturesLong, sig.TradeType)
	assert.Equal(t, "42:BTCUSDT:OPEN:r1", sig.TxHash)
	assert.False(t, sig.IsClose)

	assert.Len(t, q.pushed[1], 1)
	assert.Len(t, q.pushed[2], 1)
	assert.Negative(t, q.pushed[1][0].Score)
}

func TestEmitChangesCloseFlipsSide(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	em := newTestEmitter(signals, &fakeFollowStore{}, &fakeQueue{}, &fakeBalances{})

	changes := Diff(domain.SnapshotSet{
		"ETHUSDT": snap("ETHUSDT", domain.TradeSideBuy, 5, 20_000, "r1"),
	}, domain.SnapshotSet{})

	_, err := em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)

	require.Len(t, signals.created, 1)
	sig := signals.created[0]
	assert.True(t, sig.IsClose)
	assert.Equal(t, domain.TradeSideSell, sig.Side)
	assert.Equal(t, domain.SignalActionSell, sig.Action)
}

func TestEmitDropsDuplicateRevision(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	em := newTestEmitter(signals, &fakeFollowStore{}, &fakeQueue{}, &fakeBalances{})

	changes := Diff(domain.SnapshotSet{}, domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	})

	n, err := em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same diff replayed: the in-memory dedup short-circuits.
	n, err = em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, signals.created, 1)
}

func TestEmitDropsRowAlreadyPersisted(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{"42:BTCUSDT:OPEN:r1": true}}
	em := newTestEmitter(signals, &fakeFollowStore{}, &fakeQueue{}, &fakeBalances{})

	changes := Diff(domain.SnapshotSet{}, domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	})

	n, err := em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, signals.created)
}

func TestFanOutSkipsPoorCachedBalance(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	follows := &fakeFollowStore{copiers: []domain.WhaleFollow{
		{UserID: 1, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
		{UserID: 2, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
		{UserID: 3, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
	}}
	q := &fakeQueue{}
	// User 1 below threshold, user 2 healthy, user 3 uncached.
	balances := &fakeBalances{balances: map[int64]float64{1: 40, 2: 900}}
	em := newTestEmitter(signals, follows, q, balances)

	var skipped []events.SignalSkipped
	require.NoError(t, em.bus.Subscribe(events.TypeSignalSkipped, func(e events.Event) {
		skipped = append(skipped, e.Data.(events.SignalSkipped))
	}))

	changes := Diff(domain.SnapshotSet{}, domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	})
	_, err := em.EmitChanges(context.Background(), testWhale(), changes)
	require.NoError(t, err)

	assert.Empty(t, q.pushed[1])
	assert.Len(t, q.pushed[2], 1)
	// Cache miss never filters; the executor re-checks for real.
	assert.Len(t, q.pushed[3], 1)

	require.Len(t, skipped, 1)
	assert.Equal(t, int64(1), skipped[0].UserID)
	assert.Equal(t, "insufficient_balance_cached", skipped[0].Reason)
}

func TestEmitFromSwapBuySide(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	q := &fakeQueue{}
	follows := &fakeFollowStore{copiers: []domain.WhaleFollow{
		{UserID: 1, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
	}}
	em := newTestEmitter(signals, follows, q, &fakeBalances{})

	swap := domain.Swap{
		TxHash:      common.HexToHash("0xabc123"),
		Chain:       domain.ChainEthereum,
		TokenInSym:  "USDC",
		TokenOutSym: "ETH",
		AmountUSD:   25_000,
		Timestamp:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	created, err := em.EmitFromSwap(context.Background(), testWhale(), swap)
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, signals.created, 1)
	sig := signals.created[0]
	assert.Equal(t, domain.SignalSourceOnchainSwap, sig.Source)
	assert.Equal(t, domain.SignalActionBuy, sig.Action)
	assert.Equal(t, "ETHUSDT", sig.Symbol)
	assert.Equal(t, domain.TradeTypeSpot, sig.TradeType)
	assert.Equal(t, swap.TxHash.Hex(), sig.TxHash)
	assert.Len(t, q.pushed[1], 1)
}

func TestEmitFromSwapBelowFloorIgnored(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	em := newTestEmitter(signals, &fakeFollowStore{}, &fakeQueue{}, &fakeBalances{})

	created, err := em.EmitFromSwap(context.Background(), testWhale(), domain.Swap{
		TxHash:      common.HexToHash("0xdef"),
		TokenInSym:  "USDT",
		TokenOutSym: "PEPE",
		AmountUSD:   200,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, signals.created)
}

func TestEmitFromSwapTokenRotationObserveOnly(t *testing.T) {
	signals := &fakeSignalStore{existing: map[string]bool{}}
	q := &fakeQueue{}
	follows := &fakeFollowStore{copiers: []domain.WhaleFollow{
		{UserID: 1, WhaleID: 42, Exchange: domain.ExchangeBinance, AutoCopy: true},
	}}
	em := newTestEmitter(signals, follows, q, &fakeBalances{})

	created, err := em.EmitFromSwap(context.Background(), testWhale(), domain.Swap{
		TxHash:      common.HexToHash("0x777"),
		TokenInSym:  "ETH",
		TokenOutSym: "LINK",
		AmountUSD:   30_000,
	})
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, signals.created, 1)
	assert.Empty(t, signals.created[0].Symbol)
	assert.False(t, signals.created[0].CopyEligible())
	// Observe-only signals are never fanned out.
	assert.Empty(t, q.pushed)
}

func TestGrade(t *testing.T) {
	assert.Equal(t, domain.ConfidenceVeryHigh, Grade(domain.SignalSourceWhalePoll, 90, 100_000))
	assert.Equal(t, domain.ConfidenceHigh, Grade(domain.SignalSourceWhalePoll, 90, 10_000))
	assert.Equal(t, domain.ConfidenceMedium, Grade(domain.SignalSourceWhalePoll, 60, 10_000))
	assert.Equal(t, domain.ConfidenceLow, Grade(domain.SignalSourceWhalePoll, 30, 500))
	assert.Equal(t, domain.ConfidenceMedium, Grade(domain.SignalSourceOnchainSwap, 90, 10_000))
}
