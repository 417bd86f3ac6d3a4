package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

func newTestGovernor(cfg Config) (*Governor, *time.Time) {
	g := NewGovernor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	return g, &current
}

func TestGovernorWindowBudget(t *testing.T) {
	g, current := newTestGovernor(Config{RequestsPerMinute: 2, Burst: 1, JitterFactor: 0})

	require.True(t, g.CanProceed(domain.ExchangeBinance))
	for i := 0; i < 3; i++ {
		g.RecordSuccess(domain.ExchangeBinance)
	}
	assert.False(t, g.CanProceed(domain.ExchangeBinance), "window capacity of rpm+burst spent")

	// A fresh window restores the budget.
	*current = current.Add(61 * time.Second)
	assert.True(t, g.CanProceed(domain.ExchangeBinance))
}

func TestGovernorBackoffLadder(t *testing.T) {
	g, current := newTestGovernor(Config{
		RequestsPerMinute: 100,
		InitialBackoff:    time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0,
	})
	ex := domain.ExchangeOKX

	assert.Equal(t, time.Second, g.RecordRateLimit(ex))
	assert.False(t, g.CanProceed(ex), "cooling down")

	*current = current.Add(2 * time.Second)
	assert.True(t, g.CanProceed(ex))

	assert.Equal(t, 2*time.Second, g.RecordRateLimit(ex))
	*current = current.Add(3 * time.Second)
	assert.Equal(t, 4*time.Second, g.RecordRateLimit(ex))
	*current = current.Add(5 * time.Second)
	// Capped at MaxBackoff.
	assert.Equal(t, 4*time.Second, g.RecordRateLimit(ex))
}

func TestGovernorRecoveryResetsBackoff(t *testing.T) {
	g, current := newTestGovernor(Config{
		RequestsPerMinute: 100,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
		JitterFactor:      0,
	})
	ex := domain.ExchangeBybit

	g.RecordRateLimit(ex)
	*current = current.Add(2 * time.Second)
	g.RecordRateLimit(ex)
	*current = current.Add(3 * time.Second)

	// Two successes walk consecutive-429 back to zero, resetting the
	// backoff to its initial value.
	g.RecordSuccess(ex)
	g.RecordSuccess(ex)

	assert.Equal(t, time.Second, g.RecordRateLimit(ex))
}

func TestGovernorVenuesAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(Config{RequestsPerMinute: 100, InitialBackoff: time.Minute, JitterFactor: 0})

	g.RecordRateLimit(domain.ExchangeBinance)
	assert.False(t, g.CanProceed(domain.ExchangeBinance))
	assert.True(t, g.CanProceed(domain.ExchangeOKX))
}

func TestGovernorWaitIfNeeded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGovernor(Config{
		RequestsPerMinute: 100,
		InitialBackoff:    30 * time.Millisecond,
		JitterFactor:      0,
	}, logger)
	ex := domain.ExchangeBitget

	// No cool-down: returns immediately.
	require.NoError(t, g.WaitIfNeeded(context.Background(), ex))

	g.RecordRateLimit(ex)
	start := time.Now()
	require.NoError(t, g.WaitIfNeeded(context.Background(), ex))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// A cancelled context interrupts the wait.
	g.RecordRateLimit(ex)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.WaitIfNeeded(ctx, ex), context.Canceled)
}

func TestGovernorSnapshot(t *testing.T) {
	g, _ := newTestGovernor(Config{RequestsPerMinute: 100, InitialBackoff: time.Second, JitterFactor: 0})

	g.RecordSuccess(domain.ExchangeOKX)
	g.RecordRateLimit(domain.ExchangeBinance)

	snap := g.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.ExchangeBinance, snap[0].Exchange)
	assert.Equal(t, 1, snap[0].Consecutive429)
	assert.Equal(t, domain.ExchangeOKX, snap[1].Exchange)
	assert.Equal(t, 1, snap[1].WindowCount)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(time.Second, 0.5)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, time.Second, jitter(time.Second, 0))
}
