package breaker

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

var errVenue = errors.New("venue exploded")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := NewBreaker(domain.ExchangeBinance, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return b, &current
}

func failing(err error) func() error { return func() error { return err } }

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(failing(errVenue)), errVenue)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open circuit fails fast without invoking the call.
	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.Do(failing(errVenue))
	b.Do(failing(errVenue))
	require.NoError(t, b.Do(func() error { return nil }))

	// The counter restarted, so two more failures stay closed.
	b.Do(failing(errVenue))
	b.Do(failing(errVenue))
	assert.Equal(t, StateClosed, b.State())

	b.Do(failing(errVenue))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	b, current := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 2})

	b.Do(failing(errVenue))
	require.Equal(t, StateOpen, b.State())

	*current = current.Add(61 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// First caller gets the trial slot; a second concurrent caller is
	// rejected until the trial reports back.
	require.NoError(t, b.allow())
	assert.ErrorIs(t, b.allow(), domain.ErrCircuitOpen)

	b.onSuccess()
	require.NoError(t, b.allow())
	b.onSuccess()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, current := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 2})

	b.Do(failing(errVenue))
	*current = current.Add(61 * time.Second)

	assert.ErrorIs(t, b.Do(failing(errVenue)), errVenue)
	assert.Equal(t, StateOpen, b.State())

	// The recovery timer restarted at the trial failure.
	*current = current.Add(30 * time.Second)
	assert.ErrorIs(t, b.Do(failing(errVenue)), domain.ErrCircuitOpen)

	*current = current.Add(31 * time.Second)
	require.NoError(t, b.Do(func() error { return nil }))
}

func TestBreakerNeutralErrors(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	// Venue throttling is the governor's business, not the breaker's.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do(failing(domain.ErrRateLimited)), domain.ErrRateLimited)
	}
	assert.Equal(t, StateClosed, b.State())

	// A healthy venue answering "no such order" to reconciler polls, or
	// "positions hidden" to observation fetches, stays closed too.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do(failing(domain.ErrNotFound)), domain.ErrNotFound)
		assert.ErrorIs(t, b.Do(failing(domain.ErrSharingDisabled)), domain.ErrSharingDisabled)
	}
	assert.Equal(t, StateClosed, b.State())

	called := false
	require.NoError(t, b.Do(func() error { called = true; return nil }))
	assert.True(t, called)
}

func TestRegistryPerExchange(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	bin := r.For(domain.ExchangeBinance)
	assert.Same(t, bin, r.For(domain.ExchangeBinance))

	// Tripping one venue leaves the others closed.
	bin.Do(failing(errVenue))
	assert.Equal(t, StateOpen, bin.State())
	assert.Equal(t, StateClosed, r.For(domain.ExchangeOKX).State())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.ExchangeBinance, snap[0].Exchange)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, domain.ExchangeOKX, snap[1].Exchange)
}
