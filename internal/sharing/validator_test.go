package sharing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
)

type fakeWhaleStore struct {
	updated *domain.Whale
}

func (f *fakeWhaleStore) Create(ctx context.Context, w domain.Whale) (int64, error) { return 1, nil }
func (f *fakeWhaleStore) Update(ctx context.Context, w domain.Whale) error {
	f.updated = &w
	return nil
}
func (f *fakeWhaleStore) GetByID(ctx context.Context, id int64) (domain.Whale, error) {
	return domain.Whale{}, domain.ErrNotFound
}
func (f *fakeWhaleStore) ListPollDue(ctx context.Context, now time.Time, limit int) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhaleStore) ListByStatus(ctx context.Context, status domain.DataStatus, opts domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhaleStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Whale, error) {
	return nil, nil
}
func (f *fakeWhaleStore) Count(ctx context.Context) (int64, error) { return 0, nil }

func newTestValidator(t *testing.T, store domain.WhaleStore) (*Validator, time.Time) {
	t.Helper()
	v := NewValidator(store, events.NewBus(slog.Default()), Config{
		DisableAfter:      10 * time.Minute,
		MinEmptyChecks:    3,
		RecheckInterval:   6 * time.Hour,
		RateLimitCooldown: 15 * time.Minute,
	}, slog.Default())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	return v, now
}

func activeWhale(exchange domain.Exchange) domain.Whale {
	return domain.Whale{
		ID:                     7,
		Exchange:               exchange,
		WhaleType:              domain.WhaleTypeCEXTrader,
		DataStatus:             domain.DataStatusActive,
		PollingIntervalSeconds: 60,
		IsActive:               true,
	}
}

func somePositions() []domain.PositionSnapshot {
	return []domain.PositionSnapshot{{Symbol: "BTCUSDT", Side: domain.TradeSideBuy, Size: 1}}
}

func TestNonEmptyFetchResetsToActive(t *testing.T) {
	store := &fakeWhaleStore{}
	v, now := newTestValidator(t, store)

	w := activeWhale(domain.ExchangeBinance)
	w.DataStatus = domain.DataStatusRateLimited
	w.ConsecutiveEmptyChecks = 5

	require.NoError(t, v.Apply(context.Background(), &w, somePositions(), nil))

	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
	assert.Zero(t, w.ConsecutiveEmptyChecks)
	require.NotNil(t, w.LastPositionFound)
	assert.Equal(t, now, *w.LastPositionFound)
	assert.Nil(t, w.SharingRecheckAt)
	require.NotNil(t, store.updated)
}

func TestEmptyChecksBelowThresholdStayActive(t *testing.T) {
	v, _ := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBinance)
	// Two empty checks: below MinEmptyChecks, and 2m < 10m window.
	for range 2 {
		require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	}

	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
	assert.Equal(t, 2, w.ConsecutiveEmptyChecks)
}

func TestEmptyWindowDisablesSharing(t *testing.T) {
	v, now := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBinance)
	// 10 checks at 60s interval cover the 10 minute window.
	for range 10 {
		require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	}

	assert.Equal(t, domain.DataStatusSharingDisabled, w.DataStatus)
	require.NotNil(t, w.SharingDisabledAt)
	require.NotNil(t, w.SharingRecheckAt)
	assert.True(t, w.SharingRecheckAt.After(*w.SharingDisabledAt))
	assert.Equal(t, now.Add(6*time.Hour), *w.SharingRecheckAt)
}

func TestMinEmptyChecksFloorAtLongIntervals(t *testing.T) {
	v, _ := newTestValidator(t, &fakeWhaleStore{})

	// One hour interval: a single empty check already exceeds the 10m
	// window, but the check floor keeps the whale active.
	w := activeWhale(domain.ExchangeBinance)
	w.PollingIntervalSeconds = 3600

	require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	assert.Equal(t, domain.DataStatusActive, w.DataStatus)

	require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	assert.Equal(t, domain.DataStatusActive, w.DataStatus)

	require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	assert.Equal(t, domain.DataStatusSharingDisabled, w.DataStatus)
}

func TestBitgetEmptyNeverDisables(t *testing.T) {
	v, _ := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBitget)
	for range 50 {
		require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	}

	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
	assert.Zero(t, w.ConsecutiveEmptyChecks)
}

func TestSharingDisabledErrorDisablesImmediately(t *testing.T) {
	v, now := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBinance)
	err := &domain.ExchangeError{Exchange: domain.ExchangeBinance, Message: "positions hidden", Err: domain.ErrSharingDisabled}
	require.NoError(t, v.Apply(context.Background(), &w, nil, err))

	assert.Equal(t, domain.DataStatusSharingDisabled, w.DataStatus)
	require.NotNil(t, w.SharingRecheckAt)
	assert.Equal(t, now.Add(6*time.Hour), *w.SharingRecheckAt)
}

func TestBitgetIgnoresSharingDisabledError(t *testing.T) {
	v, _ := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBitget)
	require.NoError(t, v.Apply(context.Background(), &w, nil, domain.ErrSharingDisabled))

	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
}

func TestRateLimitSetsCooldown(t *testing.T) {
	v, now := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeOKX)
	require.NoError(t, v.Apply(context.Background(), &w, nil, domain.ErrRateLimited))

	assert.Equal(t, domain.DataStatusRateLimited, w.DataStatus)
	require.NotNil(t, w.SharingRecheckAt)
	assert.Equal(t, now.Add(15*time.Minute), *w.SharingRecheckAt)
}

func TestNetworkErrorLeavesStateUntouched(t *testing.T) {
	v, _ := newTestValidator(t, &fakeWhaleStore{})

	w := activeWhale(domain.ExchangeBinance)
	w.ConsecutiveEmptyChecks = 4

	require.NoError(t, v.Apply(context.Background(), &w, nil, errors.New("dial tcp: timeout")))

	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
	assert.Equal(t, 4, w.ConsecutiveEmptyChecks, "ambiguous outcomes must not advance the empty counter")
}

func TestRevalidationResetsCounter(t *testing.T) {
	v, now := newTestValidator(t, &fakeWhaleStore{})

	recheck := now.Add(-time.Minute)
	disabled := now.Add(-7 * time.Hour)
	w := activeWhale(domain.ExchangeBinance)
	w.DataStatus = domain.DataStatusSharingDisabled
	w.ConsecutiveEmptyChecks = 40
	w.SharingDisabledAt = &disabled
	w.SharingRecheckAt = &recheck

	// Still empty on recheck: re-admitted with a fresh streak, so the
	// whale gets the full empty window again before re-disabling.
	require.NoError(t, v.Apply(context.Background(), &w, nil, nil))
	assert.Equal(t, domain.DataStatusActive, w.DataStatus)
	assert.Equal(t, 1, w.ConsecutiveEmptyChecks)
	assert.Nil(t, w.SharingRecheckAt)
	assert.Nil(t, w.SharingDisabledAt)
}
