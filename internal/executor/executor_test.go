package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/service"
	"github.com/alanyoungcy/whalecopybot/internal/sizing"
)

// ---- fakes ----

type fakeUsers struct {
	users map[int64]domain.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id int64) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (f *fakeUsers) ListActive(ctx context.Context) ([]domain.User, error) { return nil, nil }
func (f *fakeUsers) Credential(ctx context.Context, userID int64, ex domain.Exchange) (domain.APICredential, error) {
	return domain.APICredential{}, domain.ErrNotFound
}
func (f *fakeUsers) UpsertCredential(ctx context.Context, cred domain.APICredential) error {
	return nil
}

type fakeWhales struct {
	whales map[int64]domain.Whale
}

func (f *fakeWhales) Create(ctx context.Context, w domain.Whale) (int64, error) { return w.ID, nil }
func (f *fakeWhales) Update(ctx context.Context, w domain.Whale) error          { return nil }
func (f *fakeWhales) GetByID(ctx context.Context, id int64) (domain.Whale, error) {
	w, ok := f.whales[id]
	if !ok {
		return domain.Whale{}, domain.ErrNotFound
	}
	return w, nil
}
func (f *fakeWhales) ListPollDue(ctx context.Context, now time.Time, limit int) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhales) ListByStatus(ctx context.Context, s domain.DataStatus, o domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhales) List(ctx context.Context, o domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhales) Count(ctx context.Context) (int64, error) { return 0, nil }

type fakeFollows struct {
	byUser map[int64][]domain.WhaleFollow
}

func (f *fakeFollows) Create(ctx context.Context, fl domain.WhaleFollow) (int64, error) {
	return 1, nil
}
func (f *fakeFollows) Update(ctx context.Context, fl domain.WhaleFollow) error { return nil }
func (f *fakeFollows) Delete(ctx context.Context, id int64) error              { return nil }
func (f *fakeFollows) GetByID(ctx context.Context, id int64) (domain.WhaleFollow, error) {
	return domain.WhaleFollow{}, domain.ErrNotFound
}
func (f *fakeFollows) ListCopiers(ctx context.Context, whaleID int64) ([]domain.WhaleFollow, error) {
	return nil, nil
}
func (f *fakeFollows) ListByUser(ctx context.Context, userID int64) ([]domain.WhaleFollow, error) {
	return f.byUser[userID], nil
}

type fakeSignals struct {
	mu      sync.Mutex
	signals map[string]domain.Signal
}

func (f *fakeSignals) Create(ctx context.Context, s domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[s.ID] = s
	return nil
}
func (f *fakeSignals) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return s, nil
}
func (f *fakeSignals) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	return false, nil
}
func (f *fakeSignals) UpdateStatus(ctx context.Context, id string, from, to domain.SignalStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok || s.Status != from {
		return domain.ErrVersionConflict
	}
	s.Status = to
	s.ErrorMsg = errMsg
	if from == domain.SignalStatusProcessing && to == domain.SignalStatusPending {
		s.RetryCount++
	}
	f.signals[id] = s
	return nil
}
func (f *fakeSignals) ListByStatus(ctx context.Context, s domain.SignalStatus, o domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignals) ListByWhale(ctx context.Context, w int64, o domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignals) RequeueStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignals) ExpireOlder(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSignals) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignals) DeleteBatch(ctx context.Context, ids []string) error { return nil }

type fakeTrades struct {
	mu     sync.Mutex
	trades map[string]domain.Trade
}

func (f *fakeTrades) Create(ctx context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trades == nil {
		f.trades = make(map[string]domain.Trade)
	}
	f.trades[t.ID] = t
	return nil
}
func (f *fakeTrades) Update(ctx context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.trades[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != t.Version {
		return domain.ErrVersionConflict
	}
	t.Version++
	f.trades[t.ID] = t
	return nil
}
func (f *fakeTrades) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTrades) GetBySignalAndUser(ctx context.Context, signalID string, userID int64) (domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.SignalID == signalID && t.UserID == userID &&
			t.Status != domain.TradeStatusFailed && t.Status != domain.TradeStatusCancelled {
			return t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}
func (f *fakeTrades) ListBySignal(ctx context.Context, signalID string) ([]domain.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) ListByUser(ctx context.Context, userID int64, o domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) ListNeedsReconciliation(ctx context.Context, limit int) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		if t.Status == domain.TradeStatusNeedsReconciliation {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTrades) MarkStuckExecuting(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}
func (f *fakeTrades) CancelStalePending(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}
func (f *fakeTrades) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) DeleteBatch(ctx context.Context, ids []string) error { return nil }

func (f *fakeTrades) all() []domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		out = append(out, t)
	}
	return out
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func (f *fakePositions) Create(ctx context.Context, p domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positions == nil {
		f.positions = make(map[string]domain.Position)
	}
	f.positions[p.ID] = p
	return nil
}
func (f *fakePositions) Update(ctx context.Context, p domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.positions[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != p.Version {
		return domain.ErrVersionConflict
	}
	p.Version++
	f.positions[p.ID] = p
	return nil
}
func (f *fakePositions) GetByID(ctx context.Context, id string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakePositions) FindOpen(ctx context.Context, userID, whaleID int64, symbol string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.positions {
		if p.UserID == userID && p.WhaleID == whaleID && p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositions) ListOpenByUser(ctx context.Context, userID int64) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) CountOpenByUser(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			n++
		}
	}
	return n, nil
}
func (f *fakePositions) SumRealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error) {
	return 0, nil
}
func (f *fakePositions) ListHistory(ctx context.Context, userID int64, o domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) DeleteBatch(ctx context.Context, ids []string) error { return nil }

func (f *fakePositions) all() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

type fakeLock struct{ released bool }

func (l *fakeLock) Extend(ctx context.Context, ttl time.Duration) error { return nil }
func (l *fakeLock) Release()                                            { l.released = true }

type fakeLocks struct {
	held map[string]bool
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	return &fakeLock{}, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	queues map[int64][]domain.QueueEntry
}

func (f *fakeQueue) Push(ctx context.Context, userID int64, e domain.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queues == nil {
		f.queues = make(map[int64][]domain.QueueEntry)
	}
	f.queues[userID] = append(f.queues[userID], e)
	return nil
}
func (f *fakeQueue) PopBatch(ctx context.Context, userID int64, max int) ([]domain.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.queues[userID]
	if len(entries) > max {
		f.queues[userID] = entries[max:]
		entries = entries[:max]
	} else {
		delete(f.queues, userID)
	}
	return entries, nil
}
func (f *fakeQueue) Remove(ctx context.Context, userID int64, signalID string) error { return nil }
func (f *fakeQueue) Len(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queues[userID])), nil
}

type fakeBalances struct{}

func (f *fakeBalances) Get(ctx context.Context, userID int64, ex domain.Exchange) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeBalances) Set(ctx context.Context, userID int64, ex domain.Exchange, b float64, ttl time.Duration) error {
	return nil
}
func (f *fakeBalances) Invalidate(ctx context.Context, userID int64, ex domain.Exchange) error {
	return nil
}

// fakePort scripts adapter behavior per test.
type fakePort struct {
	balance   float64
	markPrice float64
	placeErr  error
	placeRes  *domain.OrderResult
	placed    []domain.OrderRequest
	orderRes  *domain.OrderResult
	orderErr  error
	openOrds  []domain.OpenOrder
	mu        sync.Mutex
}

func (p *fakePort) Name() domain.Exchange { return domain.ExchangeBinance }

func (p *fakePort) record(symbol string, side domain.TradeSide, tt domain.TradeType, qty float64, clientID string) (*domain.OrderResult, error) {
	p.mu.Lock()
	p.placed = append(p.placed, domain.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		TradeType:     tt,
		Quantity:      qty,
	})
	p.mu.Unlock()
	if p.placeErr != nil {
		return nil, p.placeErr
	}
	res := *p.placeRes
	res.ClientID = clientID
	return &res, nil
}

func (p *fakePort) SpotMarketBuy(ctx context.Context, symbol string, quote float64, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideBuy, domain.TradeTypeSpot, quote, clientID)
}
func (p *fakePort) SpotMarketSell(ctx context.Context, symbol string, qty float64, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideSell, domain.TradeTypeSpot, qty, clientID)
}
func (p *fakePort) SpotLimitBuy(ctx context.Context, symbol string, qty, price float64, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideBuy, domain.TradeTypeSpot, qty, clientID)
}
func (p *fakePort) SpotLimitSell(ctx context.Context, symbol string, qty, price float64, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideSell, domain.TradeTypeSpot, qty, clientID)
}
func (p *fakePort) FuturesMarketLong(ctx context.Context, symbol string, qty float64, lev int, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideBuy, domain.TradeTypeFuturesLong, qty, clientID)
}
func (p *fakePort) FuturesMarketShort(ctx context.Context, symbol string, qty float64, lev int, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, domain.TradeSideSell, domain.TradeTypeFuturesShort, qty, clientID)
}
func (p *fakePort) CloseFuturesPosition(ctx context.Context, symbol string, side domain.TradeSide, qty float64, clientID string) (*domain.OrderResult, error) {
	return p.record(symbol, side.Opposite(), domain.TradeTypeFuturesLong, qty, clientID)
}
func (p *fakePort) SetLeverage(ctx context.Context, symbol string, lev int) error { return nil }
func (p *fakePort) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	if p.orderErr != nil {
		return nil, p.orderErr
	}
	return p.orderRes, nil
}
func (p *fakePort) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (p *fakePort) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	return p.openOrds, nil
}
func (p *fakePort) GetBalances(ctx context.Context) ([]domain.Balance, error) { return nil, nil }
func (p *fakePort) GetBalance(ctx context.Context, asset string) (float64, error) {
	return p.balance, nil
}
func (p *fakePort) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return p.markPrice, nil
}

type fakePorts struct {
	port domain.ExchangePort
	err  error
}

func (f *fakePorts) TradingPort(ctx context.Context, userID int64, ex domain.Exchange) (domain.ExchangePort, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.port, nil
}

type fakeRisk struct {
	err      error
	reducing []bool
}

func (f *fakeRisk) PreTradeCheck(ctx context.Context, u domain.User, s domain.Signal, reducing bool) error {
	f.reducing = append(f.reducing, reducing)
	return f.err
}

// ---- harness ----

type harness struct {
	exec      *Executor
	signals   *fakeSignals
	trades    *fakeTrades
	positions *fakePositions
	queue     *fakeQueue
	port      *fakePort
	risk      *fakeRisk
	bus       *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	bus := events.NewBus(logger)

	signals := &fakeSignals{signals: make(map[string]domain.Signal)}
	trades := &fakeTrades{}
	positions := &fakePositions{}
	q := &fakeQueue{}
	port := &fakePort{
		balance:   10_000,
		markPrice: 60_000,
		placeRes: &domain.OrderResult{
			OrderID:      "ex-1",
			Status:       domain.OrderStatusFilled,
			FilledQty:    0.0166,
			AvgFillPrice: 60_100,
			FeeAmount:    0.5,
			FeeCurrency:  "USDT",
		},
	}
	risk := &fakeRisk{}
	posSvc := service.NewPositionService(positions, nil, bus, logger)

	exec := NewExecutor(
		&fakeUsers{users: map[int64]domain.User{1: {ID: 1, IsActive: true}}},
		&fakeWhales{whales: map[int64]domain.Whale{42: {ID: 42, PriorityScore: 80}}},
		&fakeFollows{byUser: map[int64][]domain.WhaleFollow{1: {{
			ID: 9, UserID: 1, WhaleID: 42,
			AutoCopy:          true,
			SizingStrategy:    domain.SizingFixed,
			CopyTradeSizeUSDT: 1_000,
			MaxLeverage:       3,
			Exchange:          domain.ExchangeBinance,
		}}}},
		signals,
		trades,
		positions,
		posSvc,
		risk,
		sizing.NewRegistry(sizing.Config{MinTradeSizeUSDT: 10, KellyFraction: 0.5}),
		&fakePorts{port: port},
		&fakeLocks{},
		q,
		&fakeBalances{},
		bus,
		Config{
			MaxRetries:          2,
			RetryBaseDelay:      time.Millisecond,
			RetryMaxDelay:       5 * time.Millisecond,
			SignalExpiry:        time.Minute,
			ConfirmTimeout:      20 * time.Millisecond,
			ConfirmPollInterval: time.Millisecond,
		},
		logger,
	)
	return &harness{exec: exec, signals: signals, trades: trades, positions: positions, queue: q, port: port, risk: risk, bus: bus}
}

func pendingSignal(id string) domain.Signal {
	return domain.Signal{
		ID:         id,
		WhaleID:    42,
		TxHash:     "42:BTCUSDT:OPEN:" + id,
		Source:     domain.SignalSourceWhalePoll,
		Action:     domain.SignalActionBuy,
		Side:       domain.TradeSideBuy,
		TradeType:  domain.TradeTypeFuturesLong,
		Symbol:     "BTCUSDT",
		EntryPrice: 60_000,
		AmountUSD:  50_000,
		Confidence: domain.ConfidenceHigh,
		Status:     domain.SignalStatusPending,
		Priority:   domain.PriorityHigh,
		DetectedAt: time.Now().UTC(),
	}
}

func (h *harness) enqueue(t *testing.T, sig domain.Signal) {
	t.Helper()
	require.NoError(t, h.signals.Create(context.Background(), sig))
	require.NoError(t, h.queue.Push(context.Background(), 1, domain.QueueEntry{
		Signal:     sig,
		Score:      -76,
		EnqueuedAt: time.Now().UTC(),
	}))
}

// ---- tests ----

func TestExecuteOpenHappyPath(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-1"))

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, domain.TradeStatusFilled, trade.Status)
	assert.Equal(t, "ex-1", trade.ExchangeOrderID)
	assert.Equal(t, 60_100.0, trade.ExecutedPrice)

	positions := h.positions.all()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionStatusOpen, positions[0].Status)
	assert.Equal(t, trade.ID, positions[0].TradeID)
	assert.Equal(t, trade.ExecutedQty, positions[0].RemainingQty)

	sig, err := h.signals.GetByID(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessed, sig.Status)

	// Sized at 1000 USDT fixed / 60k mark.
	require.Len(t, h.port.placed, 1)
	assert.InDelta(t, 1_000.0/60_000.0, h.port.placed[0].Quantity, 1e-9)
}

func TestExecuteCloseReducesPosition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.Create(context.Background(), domain.Position{
		ID: "pos-1", UserID: 1, WhaleID: 42, TradeID: "t0",
		Exchange: domain.ExchangeBinance, Symbol: "BTCUSDT",
		Side: domain.TradeSideBuy, TradeType: domain.TradeTypeFuturesLong,
		Quantity: 0.02, RemainingQty: 0.02, EntryPrice: 55_000,
		Leverage: 1, Status: domain.PositionStatusOpen, Version: 1,
		OpenedAt: time.Now().UTC(),
	}))

	sig := pendingSignal("sig-close")
	sig.IsClose = true
	sig.Side = domain.TradeSideSell
	sig.Action = domain.SignalActionSell
	h.enqueue(t, sig)

	h.port.placeRes = &domain.OrderResult{
		OrderID:      "ex-2",
		Status:       domain.OrderStatusFilled,
		FilledQty:    0.02,
		AvgFillPrice: 60_100,
		FeeAmount:    0.4,
		FeeCurrency:  "USDT",
	}

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	positions := h.positions.all()
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, domain.CloseReasonWhaleExit, pos.CloseReason)
	require.NotNil(t, pos.ExitPrice)
	assert.Equal(t, 60_100.0, *pos.ExitPrice)
	// (60100-55000) × 0.02 − 0.4 fee.
	assert.InDelta(t, 101.6, pos.RealizedPnL, 1e-9)
}

func TestSignalFansOutToAllFollowers(t *testing.T) {
	h := newHarness(t)
	follow := domain.WhaleFollow{
		WhaleID: 42, AutoCopy: true,
		SizingStrategy: domain.SizingFixed, CopyTradeSizeUSDT: 1_000,
		MaxLeverage: 3, Exchange: domain.ExchangeBinance,
	}
	users := map[int64]domain.User{
		1: {ID: 1, IsActive: true},
		2: {ID: 2, IsActive: true},
	}
	byUser := make(map[int64][]domain.WhaleFollow)
	for id := range users {
		f := follow
		f.ID, f.UserID = id, id
		byUser[id] = []domain.WhaleFollow{f}
	}
	h.exec.users = &fakeUsers{users: users}
	h.exec.follows = &fakeFollows{byUser: byUser}

	sig := pendingSignal("sig-fan")
	h.enqueue(t, sig)
	require.NoError(t, h.queue.Push(context.Background(), 2, domain.QueueEntry{
		Signal:     sig,
		Score:      -76,
		EnqueuedAt: time.Now().UTC(),
	}))

	// The first follower's worker wins the status race; the second
	// drains after the signal has already moved past PENDING.
	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.exec.ProcessUser(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades := h.trades.all()
	require.Len(t, trades, 2)
	byTradeUser := make(map[int64]domain.Trade)
	for _, tr := range trades {
		byTradeUser[tr.UserID] = tr
	}
	assert.Equal(t, domain.TradeStatusFilled, byTradeUser[1].Status)
	assert.Equal(t, domain.TradeStatusFilled, byTradeUser[2].Status)
	require.Len(t, h.positions.all(), 2)

	got, err := h.signals.GetByID(context.Background(), "sig-fan")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessed, got.Status)
}

func TestRedeliveredEntryExecutesOnce(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-dup")
	h.enqueue(t, sig)

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.trades.all(), 1)

	// The same entry comes back, e.g. after a lock loss put it back on
	// the queue. The live trade row stops a second placement.
	require.NoError(t, h.queue.Push(context.Background(), 1, domain.QueueEntry{
		Signal:     sig,
		Score:      -76,
		EnqueuedAt: time.Now().UTC(),
	}))
	_, err = h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	assert.Len(t, h.trades.all(), 1)
	assert.Len(t, h.port.placed, 1)
	require.Len(t, h.positions.all(), 1)
}

func TestDecreaseSignalReducesPosition(t *testing.T) {
	h := newHarness(t)
	h.exec.risk = service.NewRiskService(h.positions, slog.Default())
	require.NoError(t, h.positions.Create(context.Background(), domain.Position{
		ID: "pos-1", UserID: 1, WhaleID: 42, TradeID: "t0",
		Exchange: domain.ExchangeBinance, Symbol: "BTCUSDT",
		Side: domain.TradeSideBuy, TradeType: domain.TradeTypeFuturesLong,
		Quantity: 0.02, RemainingQty: 0.02, EntryPrice: 55_000,
		Leverage: 1, Status: domain.PositionStatusOpen, Version: 1,
		OpenedAt: time.Now().UTC(),
	}))

	// The whale trims half its position: an opposite-side signal with
	// is_close unset. It must pass the risk checks and come out as a
	// partial reduction, not be refused as an opposing open.
	sig := pendingSignal("sig-trim")
	sig.Side = domain.TradeSideSell
	sig.Action = domain.SignalActionSell
	sig.AmountUSD = 600
	h.enqueue(t, sig)

	h.port.placeRes = &domain.OrderResult{
		OrderID:      "ex-3",
		Status:       domain.OrderStatusFilled,
		FilledQty:    0.01,
		AvgFillPrice: 60_100,
		FeeAmount:    0.2,
		FeeCurrency:  "USDT",
	}

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusFilled, trades[0].Status)
	assert.InDelta(t, 0.01, trades[0].Quantity, 1e-9)

	positions := h.positions.all()
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 0.01, pos.RemainingQty, 1e-9)
	// (60100-55000) × 0.01 − 0.2 fee on the reduced lot.
	assert.InDelta(t, 50.8, pos.RealizedPnL, 1e-9)
}

func TestExecuteConfirmsOpenOrderToFill(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-slow"))

	// Venue acknowledges the market order as OPEN; the fill shows up
	// on the confirmation poll.
	h.port.placeRes = &domain.OrderResult{
		OrderID: "ex-9",
		Status:  domain.OrderStatusOpen,
	}
	h.port.orderRes = &domain.OrderResult{
		OrderID:      "ex-9",
		Status:       domain.OrderStatusFilled,
		FilledQty:    0.0166,
		AvgFillPrice: 60_200,
		FeeAmount:    0.5,
		FeeCurrency:  "USDT",
	}

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusFilled, trades[0].Status)
	assert.Equal(t, 60_200.0, trades[0].ExecutedPrice)

	require.Len(t, h.positions.all(), 1)

	sig, err := h.signals.GetByID(context.Background(), "sig-slow")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessed, sig.Status)
}

func TestExecuteParksUnconfirmedOpenOrder(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-stuck"))

	h.port.placeRes = &domain.OrderResult{
		OrderID: "ex-10",
		Status:  domain.OrderStatusOpen,
	}
	h.port.orderRes = &domain.OrderResult{
		OrderID: "ex-10",
		Status:  domain.OrderStatusOpen,
	}

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusNeedsReconciliation, trades[0].Status)
	assert.Contains(t, trades[0].ErrorMsg, "unconfirmed")

	// The signal stays PROCESSING for the reconciler to finish.
	sig, err := h.signals.GetByID(context.Background(), "sig-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessing, sig.Status)
	assert.Empty(t, h.positions.all())
}

func TestExecuteRejectionFailsTradeAndRetriesSignal(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-rej"))
	h.port.placeErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Code: "-2010",
		Message: "order rejected", Retryable: false,
	}

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusFailed, trades[0].Status)
	assert.Contains(t, trades[0].ErrorMsg, "order rejected")

	sig, err := h.signals.GetByID(context.Background(), "sig-rej")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusPending, sig.Status)
	assert.Equal(t, 1, sig.RetryCount)

	// Re-enqueued for another attempt.
	remaining, err := h.queue.Len(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	assert.Empty(t, h.positions.all())
}

func TestExecuteRejectionAtRetryCeilingFailsSignal(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-dead")
	sig.RetryCount = domain.MaxSignalRetries
	h.enqueue(t, sig)
	h.port.placeErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Message: "bad symbol", Retryable: false,
	}

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	got, err := h.signals.GetByID(context.Background(), "sig-dead")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusFailed, got.Status)
}

func TestExecuteTransientExhaustionParksForReconciliation(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-amb"))
	h.port.placeErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Message: "gateway timeout", Retryable: true,
	}

	var parked []events.TradeNeedsReconciliation
	require.NoError(t, h.bus.Subscribe(events.TypeTradeNeedsReconciliation, func(e events.Event) {
		parked = append(parked, e.Data.(events.TradeNeedsReconciliation))
	}))

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusNeedsReconciliation, trades[0].Status)
	require.Len(t, parked, 1)

	// Ambiguity must never double-place: exactly MaxRetries+1 attempts
	// of one order, one trade row, no position.
	assert.Len(t, h.port.placed, 3)
	assert.Empty(t, h.positions.all())

	sig, err := h.signals.GetByID(context.Background(), "sig-amb")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessing, sig.Status)
}

func TestExecuteRateLimitCancelsAndRequeues(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-429"))
	h.port.placeErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Message: "too many requests",
		Retryable: true, Err: domain.ErrRateLimited,
	}

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusCancelled, trades[0].Status)

	sig, err := h.signals.GetByID(context.Background(), "sig-429")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusPending, sig.Status)

	remaining, err := h.queue.Len(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestExecuteSkipsOnRiskRejection(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-risk"))
	h.risk.err = fmt.Errorf("risk: max open positions reached (5/5)")

	var skipped []events.SignalSkipped
	require.NoError(t, h.bus.Subscribe(events.TypeSignalSkipped, func(e events.Event) {
		skipped = append(skipped, e.Data.(events.SignalSkipped))
	}))

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	assert.Empty(t, h.trades.all())
	require.Len(t, skipped, 1)
	assert.Equal(t, "risk_rejected", skipped[0].Reason)
}

func TestExecuteSkipsInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-poor"))
	h.port.balance = 2 // below the $10 floor

	var skipped []events.SignalSkipped
	require.NoError(t, h.bus.Subscribe(events.TypeSignalSkipped, func(e events.Event) {
		skipped = append(skipped, e.Data.(events.SignalSkipped))
	}))

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	assert.Empty(t, h.trades.all())
	require.Len(t, skipped, 1)
	assert.Equal(t, "insufficient_balance", skipped[0].Reason)
}

func TestExecuteExpiredSignal(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-old")
	sig.DetectedAt = time.Now().UTC().Add(-2 * time.Minute)
	h.enqueue(t, sig)

	_, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)

	got, err := h.signals.GetByID(context.Background(), "sig-old")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusExpired, got.Status)
	assert.Empty(t, h.trades.all())
}

func TestProcessUserLockHeld(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, pendingSignal("sig-locked"))
	h.exec.locks = &fakeLocks{held: map[string]bool{"user:1:processing": true}}

	n, err := h.exec.ProcessUser(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.trades.all())

	// Entry still queued for whoever holds the lock next.
	remaining, err := h.queue.Len(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestProcessUserHonorsBatchCap(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.enqueue(t, pendingSignal(fmt.Sprintf("sig-%d", i)))
	}

	n, err := h.exec.ProcessUser(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := h.queue.Len(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

// ---- reconciler ----

func newReconcilerHarness(t *testing.T, h *harness) *Reconciler {
	t.Helper()
	posSvc := service.NewPositionService(h.positions, nil, h.bus, slog.Default())
	return NewReconciler(h.trades, h.signals, h.positions, posSvc, &fakePorts{port: h.port}, h.bus, 10, slog.Default())
}

func parkedTrade(signalID string) domain.Trade {
	return domain.Trade{
		ID:          "trade-amb",
		UserID:      1,
		SignalID:    signalID,
		Exchange:    domain.ExchangeBinance,
		Symbol:      "BTCUSDT",
		Side:        domain.TradeSideBuy,
		TradeType:   domain.TradeTypeFuturesLong,
		Quantity:    0.0166,
		NotionalUSD: 1_000,
		Leverage:    3,
		Status:      domain.TradeStatusNeedsReconciliation,
		Version:     3,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestReconcilerUpgradesFoundOrder(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-rec")
	sig.Status = domain.SignalStatusProcessing
	require.NoError(t, h.signals.Create(context.Background(), sig))
	require.NoError(t, h.trades.Create(context.Background(), parkedTrade("sig-rec")))

	h.port.orderRes = &domain.OrderResult{
		OrderID:      "ex-9",
		ClientID:     "trade-amb",
		Status:       domain.OrderStatusFilled,
		FilledQty:    0.0166,
		AvgFillPrice: 60_050,
		FeeAmount:    0.3,
	}

	rec := newReconcilerHarness(t, h)
	n, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trade, err := h.trades.GetByID(context.Background(), "trade-amb")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFilled, trade.Status)
	assert.Equal(t, "ex-9", trade.ExchangeOrderID)

	require.Len(t, h.positions.all(), 1)

	got, err := h.signals.GetByID(context.Background(), "sig-rec")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusProcessed, got.Status)
}

func TestReconcilerFailsAbsentOrder(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-gone")
	sig.Status = domain.SignalStatusProcessing
	require.NoError(t, h.signals.Create(context.Background(), sig))
	require.NoError(t, h.trades.Create(context.Background(), parkedTrade("sig-gone")))

	h.port.orderErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Message: "order does not exist",
		Err: domain.ErrNotFound,
	}

	rec := newReconcilerHarness(t, h)
	n, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trade, err := h.trades.GetByID(context.Background(), "trade-amb")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFailed, trade.Status)
	assert.Empty(t, h.positions.all())

	got, err := h.signals.GetByID(context.Background(), "sig-gone")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusFailed, got.Status)
}

func TestReconcilerLeavesLiveOrderParked(t *testing.T) {
	h := newHarness(t)
	sig := pendingSignal("sig-live")
	sig.Status = domain.SignalStatusProcessing
	require.NoError(t, h.signals.Create(context.Background(), sig))
	require.NoError(t, h.trades.Create(context.Background(), parkedTrade("sig-live")))

	h.port.orderErr = &domain.ExchangeError{
		Exchange: domain.ExchangeBinance, Message: "order does not exist",
		Err: domain.ErrNotFound,
	}
	h.port.openOrds = []domain.OpenOrder{{
		OrderID:  "ex-live",
		ClientID: "trade-amb",
		Symbol:   "BTCUSDT",
		Status:   domain.OrderStatusOpen,
	}}

	rec := newReconcilerHarness(t, h)
	n, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	trade, err := h.trades.GetByID(context.Background(), "trade-amb")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusNeedsReconciliation, trade.Status)
}
