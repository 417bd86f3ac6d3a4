package onchain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

type fakeWhaleStore struct {
	whales []domain.Whale
}

func (f *fakeWhaleStore) Create(context.Context, domain.Whale) (int64, error) { return 0, nil }
func (f *fakeWhaleStore) Update(context.Context, domain.Whale) error          { return nil }
func (f *fakeWhaleStore) GetByID(context.Context, int64) (domain.Whale, error) {
	return domain.Whale{}, domain.ErrNotFound
}
func (f *fakeWhaleStore) ListPollDue(context.Context, time.Time, int) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhaleStore) ListByStatus(context.Context, domain.DataStatus, domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhaleStore) List(context.Context, domain.ListOpts) ([]domain.Whale, error) {
	return f.whales, nil
}
func (f *fakeWhaleStore) Count(context.Context) (int64, error) { return int64(len(f.whales)), nil }

type fakeDetector struct {
	swaps     []domain.Swap
	err       error
	gotSince  time.Time
	gotCount  int
	gotCalled int
}

func (f *fakeDetector) FetchSwaps(_ context.Context, wallets []common.Address, since time.Time, first int) ([]domain.Swap, error) {
	f.gotCalled++
	f.gotSince = since
	f.gotCount = len(wallets)
	_ = first
	return f.swaps, f.err
}

type fakeEmitter struct {
	emitted []domain.Swap
	whales  []int64
	err     error
	created bool
}

func (f *fakeEmitter) EmitFromSwap(_ context.Context, whale domain.Whale, swap domain.Swap) (bool, error) {
	f.emitted = append(f.emitted, swap)
	f.whales = append(f.whales, whale.ID)
	return f.created, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	walletA = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	walletB = "0x1111111111111111111111111111111111111111"
)

func TestWatcherRoutesSwapsToOwningWhale(t *testing.T) {
	whales := &fakeWhaleStore{whales: []domain.Whale{
		{ID: 1, WhaleType: domain.WhaleTypeOnchainWallet, Address: walletA, IsActive: true},
		{ID: 2, WhaleType: domain.WhaleTypeOnchainWallet, Address: walletB, IsActive: true},
		{ID: 3, WhaleType: domain.WhaleTypeCEXTrader, Exchange: domain.ExchangeBinance, IsActive: true},
		{ID: 4, WhaleType: domain.WhaleTypeOnchainWallet, Address: "not-an-address", IsActive: true},
		{ID: 5, WhaleType: domain.WhaleTypeOnchainWallet, Address: walletB, IsActive: false},
	}}

	ts := time.Now().UTC().Add(10 * time.Minute)
	detector := &fakeDetector{swaps: []domain.Swap{
		{TxHash: common.HexToHash("0x01"), Wallet: common.HexToAddress(walletA), Timestamp: ts},
		{TxHash: common.HexToHash("0x02"), Wallet: common.HexToAddress("0x9999999999999999999999999999999999999999"), Timestamp: ts},
	}}
	emitter := &fakeEmitter{created: true}

	w := NewWatcher(whales, detector, emitter, discardLogger())
	firstSince := w.lastSeen

	emitted, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	// Only the two active valid on-chain wallets go to the detector,
	// and only the tracked wallet's swap reaches the emitter.
	assert.Equal(t, 2, detector.gotCount)
	assert.Equal(t, firstSince, detector.gotSince)
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, int64(1), emitter.whales[0])
	assert.Equal(t, common.HexToHash("0x01"), emitter.emitted[0].TxHash)

	// Cursor advanced to the latest emitted swap.
	assert.Equal(t, ts, w.lastSeen)
}

func TestWatcherNoTrackedWalletsSkipsFetch(t *testing.T) {
	whales := &fakeWhaleStore{whales: []domain.Whale{
		{ID: 3, WhaleType: domain.WhaleTypeCEXTrader, Exchange: domain.ExchangeBinance, IsActive: true},
	}}
	detector := &fakeDetector{}

	w := NewWatcher(whales, detector, &fakeEmitter{}, discardLogger())
	emitted, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Zero(t, detector.gotCalled)
}

func TestWatcherDetectorErrorSurfaced(t *testing.T) {
	whales := &fakeWhaleStore{whales: []domain.Whale{
		{ID: 1, WhaleType: domain.WhaleTypeOnchainWallet, Address: walletA, IsActive: true},
	}}
	detector := &fakeDetector{err: errors.New("subgraph down")}

	w := NewWatcher(whales, detector, &fakeEmitter{}, discardLogger())
	before := w.lastSeen
	_, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, before, w.lastSeen)
}

func TestWatcherEmitErrorDoesNotStopPass(t *testing.T) {
	whales := &fakeWhaleStore{whales: []domain.Whale{
		{ID: 1, WhaleType: domain.WhaleTypeOnchainWallet, Address: walletA, IsActive: true},
	}}
	ts := time.Now().UTC()
	detector := &fakeDetector{swaps: []domain.Swap{
		{TxHash: common.HexToHash("0x01"), Wallet: common.HexToAddress(walletA), Timestamp: ts},
		{TxHash: common.HexToHash("0x02"), Wallet: common.HexToAddress(walletA), Timestamp: ts.Add(time.Second)},
	}}
	emitter := &fakeEmitter{err: errors.New("store down")}

	w := NewWatcher(whales, detector, emitter, discardLogger())
	emitted, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Len(t, emitter.emitted, 2)
}
