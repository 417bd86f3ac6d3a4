package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/detect"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
	"github.com/alanyoungcy/whalecopybot/internal/sharing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWhales struct {
	mu      sync.Mutex
	due     []domain.Whale
	byID    map[int64]domain.Whale
	updated []domain.Whale
}

func (f *fakeWhales) Create(context.Context, domain.Whale) (int64, error) { return 0, nil }
func (f *fakeWhales) Update(_ context.Context, w domain.Whale) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, w)
	return nil
}
func (f *fakeWhales) GetByID(_ context.Context, id int64) (domain.Whale, error) {
	if w, ok := f.byID[id]; ok {
		return w, nil
	}
	return domain.Whale{}, domain.ErrNotFound
}
func (f *fakeWhales) ListPollDue(context.Context, time.Time, int) ([]domain.Whale, error) {
	return f.due, nil
}
func (f *fakeWhales) ListByStatus(context.Context, domain.DataStatus, domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhales) List(context.Context, domain.ListOpts) ([]domain.Whale, error) {
	return f.due, nil
}
func (f *fakeWhales) Count(context.Context) (int64, error) { return int64(len(f.due)), nil }

type fakeObs struct {
	mu        sync.Mutex
	name      domain.Exchange
	positions map[string][]domain.PositionSnapshot
	err       error
	proxyURLs []string
}

func (f *fakeObs) Name() domain.Exchange { return f.name }
func (f *fakeObs) GetLeaderboardPositions(_ context.Context, uid string) ([]domain.PositionSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions[uid], nil
}
func (f *fakeObs) WithProxy(proxyURL string) (domain.ObservationPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxyURLs = append(f.proxyURLs, proxyURL)
	return f, nil
}

type fakePortSource struct{ obs *fakeObs }

func (f *fakePortSource) ObservationPort(domain.Exchange) (domain.ObservationPort, error) {
	return f.obs, nil
}

type fakeLeaser struct {
	mu       sync.Mutex
	err      error
	leases   int
	released []proxy.Outcome
}

func (f *fakeLeaser) Lease(ex domain.Exchange) (domain.ProxyLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ProxyLease{}, f.err
	}
	f.leases++
	return domain.ProxyLease{ProxyID: 7, URL: "http://proxy:8080", Exchange: ex}, nil
}
func (f *fakeLeaser) Release(_ context.Context, _ domain.ProxyLease, out proxy.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, out)
}

type fakeThrottle struct {
	mu        sync.Mutex
	blocked   bool
	successes int
	limited   int
}

func (f *fakeThrottle) CanProceed(domain.Exchange) bool { return !f.blocked }
func (f *fakeThrottle) RecordSuccess(domain.Exchange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}
func (f *fakeThrottle) RecordRateLimit(domain.Exchange) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limited++
	return time.Minute
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps map[int64]domain.SnapshotSet
}

func (f *fakeSnapshots) Get(_ context.Context, whaleID int64) (domain.SnapshotSet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[whaleID]
	return s, ok, nil
}
func (f *fakeSnapshots) Set(_ context.Context, whaleID int64, snaps domain.SnapshotSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snaps == nil {
		f.snaps = make(map[int64]domain.SnapshotSet)
	}
	f.snaps[whaleID] = snaps
	return nil
}
func (f *fakeSnapshots) Delete(_ context.Context, whaleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, whaleID)
	return nil
}

type fakeChangeEmitter struct {
	mu      sync.Mutex
	changes []detect.Change
}

func (f *fakeChangeEmitter) EmitChanges(_ context.Context, _ domain.Whale, changes []detect.Change) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, changes...)
	return len(changes), nil
}

func newTestPoller(whales *fakeWhales, obs *fakeObs, leaser ProxyLeaser, throttle Throttle, snaps *fakeSnapshots, emitter *fakeChangeEmitter) *Poller {
	validator := sharing.NewValidator(whales, events.NewBus(testLogger()), sharing.Config{}, testLogger())
	return NewPoller(whales, &fakePortSource{obs: obs}, leaser, throttle, validator, snaps, emitter, PollerConfig{BatchSize: 10, MaxConcurrent: 2}, testLogger())
}

func activeWhale(id int64) domain.Whale {
	return domain.Whale{
		ID:                     id,
		WhaleType:              domain.WhaleTypeCEXTrader,
		Exchange:               domain.ExchangeBinance,
		ExchangeUID:            "uid-1",
		DataStatus:             domain.DataStatusActive,
		PollingIntervalSeconds: 60,
		IsActive:               true,
	}
}

func TestPollerBaselinesFirstObservation(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance, positions: map[string][]domain.PositionSnapshot{
		"uid-1": {{Symbol: "BTCUSDT", Side: domain.TradeSideBuy, Size: 1, EntryPrice: 60000, AmountUSD: 60000, Revision: "r1"}},
	}}
	leaser := &fakeLeaser{}
	throttle := &fakeThrottle{}
	snaps := &fakeSnapshots{}
	emitter := &fakeChangeEmitter{}

	p := newTestPoller(whales, obs, leaser, throttle, snaps, emitter)
	emitted, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	// First sight records the snapshot without copying pre-existing
	// positions.
	assert.Zero(t, emitted)
	assert.Empty(t, emitter.changes)
	require.Contains(t, snaps.snaps, int64(1))
	assert.Contains(t, snaps.snaps[1], "BTCUSDT")

	// The fetch went through the leased proxy and fed the budget.
	assert.Equal(t, 1, leaser.leases)
	require.Len(t, leaser.released, 1)
	assert.Equal(t, domain.LeaseOutcomeSuccess, leaser.released[0].Kind)
	assert.Equal(t, 1, throttle.successes)
	assert.Equal(t, []string{"http://proxy:8080"}, obs.proxyURLs)
}

func TestPollerEmitsDiffOnSecondObservation(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance, positions: map[string][]domain.PositionSnapshot{
		"uid-1": {{Symbol: "ETHUSDT", Side: domain.TradeSideBuy, Size: 10, EntryPrice: 3000, AmountUSD: 30000, Revision: "r2"}},
	}}
	snaps := &fakeSnapshots{snaps: map[int64]domain.SnapshotSet{1: {}}}
	emitter := &fakeChangeEmitter{}

	p := newTestPoller(whales, obs, &fakeLeaser{}, &fakeThrottle{}, snaps, emitter)
	emitted, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, emitted)
	require.Len(t, emitter.changes, 1)
	assert.Equal(t, detect.ChangeOpen, emitter.changes[0].Kind)
	assert.Equal(t, "ETHUSDT", emitter.changes[0].Symbol)
	assert.Contains(t, snaps.snaps[1], "ETHUSDT")
}

func TestPollerDefersWhenThrottled(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance}
	leaser := &fakeLeaser{}

	p := newTestPoller(whales, obs, leaser, &fakeThrottle{blocked: true}, &fakeSnapshots{}, &fakeChangeEmitter{})
	emitted, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, emitted)
	assert.Zero(t, leaser.leases)
	assert.Empty(t, whales.updated) // no fetch, no status write
}

func TestPollerDefersWhenNoProxy(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance}
	leaser := &fakeLeaser{err: domain.ErrNoProxyAvailable}

	p := newTestPoller(whales, obs, leaser, &fakeThrottle{}, &fakeSnapshots{}, &fakeChangeEmitter{})
	emitted, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Empty(t, whales.updated)
}

func TestPollerRateLimitFeedsGovernorAndLadder(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance, err: domain.ErrRateLimited}
	leaser := &fakeLeaser{}
	throttle := &fakeThrottle{}

	p := newTestPoller(whales, obs, leaser, throttle, &fakeSnapshots{}, &fakeChangeEmitter{})
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, throttle.limited)
	require.Len(t, leaser.released, 1)
	assert.Equal(t, domain.LeaseOutcomeRateLimited, leaser.released[0].Kind)

	// Validator moved the whale to RATE_LIMITED.
	require.Len(t, whales.updated, 1)
	assert.Equal(t, domain.DataStatusRateLimited, whales.updated[0].DataStatus)
}

func TestPollerDefersWhenCircuitOpen(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance, err: domain.ErrCircuitOpen}
	leaser := &fakeLeaser{}
	throttle := &fakeThrottle{}

	p := newTestPoller(whales, obs, leaser, throttle, &fakeSnapshots{}, &fakeChangeEmitter{})
	emitted, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	// The breaker fast-failed: no status write, no budget consumption,
	// and the unused proxy goes back without a failure mark.
	assert.Zero(t, emitted)
	assert.Empty(t, whales.updated)
	assert.Zero(t, throttle.successes)
	require.Len(t, leaser.released, 1)
	assert.Equal(t, domain.LeaseOutcomeSuccess, leaser.released[0].Kind)
}

func TestPollerRunsWithoutProxyPool(t *testing.T) {
	whales := &fakeWhales{due: []domain.Whale{activeWhale(1)}}
	obs := &fakeObs{name: domain.ExchangeBinance}
	throttle := &fakeThrottle{}

	p := newTestPoller(whales, obs, nil, throttle, &fakeSnapshots{}, &fakeChangeEmitter{})
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, throttle.successes)
	assert.Empty(t, obs.proxyURLs)
}

type fakeUsers struct{ active []domain.User }

func (f *fakeUsers) GetByID(_ context.Context, id int64) (domain.User, error) {
	for _, u := range f.active {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}
func (f *fakeUsers) ListActive(context.Context) ([]domain.User, error) { return f.active, nil }
func (f *fakeUsers) Credential(context.Context, int64, domain.Exchange) (domain.APICredential, error) {
	return domain.APICredential{}, domain.ErrNotFound
}
func (f *fakeUsers) UpsertCredential(context.Context, domain.APICredential) error { return nil }

type fakeProcessor struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
}

func (f *fakeProcessor) ProcessUser(_ context.Context, userID int64, max int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[userID] = max
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func TestDrainerVisitsEveryActiveUser(t *testing.T) {
	users := &fakeUsers{active: []domain.User{{ID: 1, IsActive: true}, {ID: 2, IsActive: true}}}
	proc := &fakeProcessor{}

	d := NewDrainer(users, proc, 5, time.Second, testLogger())
	total, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, total)
	assert.Equal(t, map[int64]int{1: 5, 2: 5}, proc.calls)
}

func TestDrainerContinuesPastUserFailure(t *testing.T) {
	users := &fakeUsers{active: []domain.User{{ID: 1}, {ID: 2}}}
	proc := &fakeProcessor{err: errors.New("redis down")}

	d := NewDrainer(users, proc, 5, time.Second, testLogger())
	total, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Len(t, proc.calls, 2)
}

type fakeSignalStore struct {
	stuck   []domain.Signal
	expired int64
}

func (f *fakeSignalStore) Create(context.Context, domain.Signal) error { return nil }
func (f *fakeSignalStore) GetByID(context.Context, string) (domain.Signal, error) {
	return domain.Signal{}, domain.ErrNotFound
}
func (f *fakeSignalStore) ExistsByTxHash(context.Context, string) (bool, error) { return false, nil }
func (f *fakeSignalStore) UpdateStatus(context.Context, string, domain.SignalStatus, domain.SignalStatus, string) error {
	return nil
}
func (f *fakeSignalStore) ListByStatus(context.Context, domain.SignalStatus, domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) ListByWhale(context.Context, int64, domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) RequeueStuck(context.Context, time.Time, int) ([]domain.Signal, error) {
	return f.stuck, nil
}
func (f *fakeSignalStore) ExpireOlder(context.Context, time.Time) (int64, error) {
	return f.expired, nil
}
func (f *fakeSignalStore) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Signal, error) {
	return nil, nil
}
func (f *fakeSignalStore) DeleteBatch(context.Context, []string) error { return nil }

type fakeFollows struct{ copiers []domain.WhaleFollow }

func (f *fakeFollows) Create(context.Context, domain.WhaleFollow) (int64, error) { return 0, nil }
func (f *fakeFollows) Update(context.Context, domain.WhaleFollow) error          { return nil }
func (f *fakeFollows) Delete(context.Context, int64) error                       { return nil }
func (f *fakeFollows) GetByID(context.Context, int64) (domain.WhaleFollow, error) {
	return domain.WhaleFollow{}, domain.ErrNotFound
}
func (f *fakeFollows) ListCopiers(context.Context, int64) ([]domain.WhaleFollow, error) {
	return f.copiers, nil
}
func (f *fakeFollows) ListByUser(context.Context, int64) ([]domain.WhaleFollow, error) {
	return nil, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	pushed map[int64][]domain.QueueEntry
}

func (f *fakeQueue) Push(_ context.Context, userID int64, entry domain.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushed == nil {
		f.pushed = make(map[int64][]domain.QueueEntry)
	}
	f.pushed[userID] = append(f.pushed[userID], entry)
	return nil
}
func (f *fakeQueue) PopBatch(context.Context, int64, int) ([]domain.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueue) Remove(context.Context, int64, string) error { return nil }
func (f *fakeQueue) Len(context.Context, int64) (int64, error)   { return 0, nil }

type fakeTradeStore struct {
	domain.TradeStore
	parked       int64
	cancelled    int64
	parkCutoff   time.Time
	cancelCutoff time.Time
}

func (f *fakeTradeStore) MarkStuckExecuting(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	f.parkCutoff = cutoff
	return f.parked, nil
}
func (f *fakeTradeStore) CancelStalePending(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	f.cancelCutoff = cutoff
	return f.cancelled, nil
}

func TestJanitorRequeuesRecoveredSignals(t *testing.T) {
	recovered := domain.Signal{
		ID:         "sig-1",
		WhaleID:    42,
		Status:     domain.SignalStatusPending,
		Confidence: domain.ConfidenceHigh,
		AmountUSD:  5000,
		RetryCount: 1,
	}
	failed := domain.Signal{ID: "sig-2", WhaleID: 42, Status: domain.SignalStatusFailed}

	signals := &fakeSignalStore{stuck: []domain.Signal{recovered, failed}, expired: 3}
	whales := &fakeWhales{byID: map[int64]domain.Whale{42: {ID: 42, PriorityScore: 80}}}
	follows := &fakeFollows{copiers: []domain.WhaleFollow{{UserID: 1, WhaleID: 42}, {UserID: 2, WhaleID: 42}}}
	q := &fakeQueue{}

	j := NewJanitor(signals, &fakeTradeStore{}, whales, follows, q, detect.NewDedup(time.Minute), JanitorConfig{}, testLogger())
	require.NoError(t, j.RunOnce(context.Background()))

	// Only the PENDING recovery is re-enqueued, to both copiers.
	require.Len(t, q.pushed, 2)
	require.Len(t, q.pushed[1], 1)
	assert.Equal(t, "sig-1", q.pushed[1][0].Signal.ID)
	assert.Negative(t, q.pushed[1][0].Score)
	assert.Equal(t, q.pushed[1][0].Score, q.pushed[2][0].Score)
}

func TestJanitorSweepsAbandonedTrades(t *testing.T) {
	signals := &fakeSignalStore{}
	whales := &fakeWhales{}
	follows := &fakeFollows{}
	trades := &fakeTradeStore{parked: 2, cancelled: 1}

	cfg := JanitorConfig{StuckAfter: 10 * time.Minute}
	j := NewJanitor(signals, trades, whales, follows, &fakeQueue{}, nil, cfg, testLogger())

	before := time.Now().UTC()
	require.NoError(t, j.RunOnce(context.Background()))

	// EXECUTING rows past the stuck window go to the reconciler and
	// orphaned PENDING rows are cancelled, both at the same cutoff.
	wantCutoff := before.Add(-cfg.StuckAfter)
	assert.WithinDuration(t, wantCutoff, trades.parkCutoff, time.Second)
	assert.WithinDuration(t, wantCutoff, trades.cancelCutoff, time.Second)
}
