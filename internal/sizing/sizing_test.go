package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

func testRegistry() *Registry {
	return NewRegistry(Config{
		MinTradeSizeUSDT:       10,
		TradeSizeBufferPercent: 5,
		KellyFraction:          0.5,
	})
}

func input(strategy domain.SizingStrategy, available float64) Input {
	return Input{
		Follow: domain.WhaleFollow{
			SizingStrategy:    strategy,
			CopyTradeSizeUSDT: 1_000,
			TradeSizePercent:  0.10,
		},
		Whale:         domain.Whale{PriorityScore: 80},
		Signal:        domain.Signal{Symbol: "BTCUSDT", AmountUSD: 50_000},
		AvailableUSDT: available,
		MinNotional:   5,
	}
}

func TestFixedSizing(t *testing.T) {
	r := testRegistry()

	size, err := r.Size(input(domain.SizingFixed, 5_000))
	require.NoError(t, err)
	assert.Equal(t, 1_000.0, size)
}

func TestFixedClampsToAvailableBalance(t *testing.T) {
	r := testRegistry()

	size, err := r.Size(input(domain.SizingFixed, 400))
	require.NoError(t, err)
	assert.Equal(t, 400.0, size)
}

func TestFixedRejectsBalanceBelowFloor(t *testing.T) {
	r := testRegistry()

	_, err := r.Size(input(domain.SizingFixed, 3))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestFloorUsesBufferedVenueMinimum(t *testing.T) {
	r := testRegistry()

	in := input(domain.SizingFixed, 5_000)
	in.Follow.CopyTradeSizeUSDT = 1
	in.MinNotional = 100 // buffered to 105, above the $10 config floor

	size, err := r.Size(in)
	require.NoError(t, err)
	assert.InDelta(t, 105.0, size, 1e-9)
}

func TestPercentSizing(t *testing.T) {
	r := testRegistry()

	size, err := r.Size(input(domain.SizingPercent, 2_000))
	require.NoError(t, err)
	assert.Equal(t, 200.0, size)
}

func TestPercentRejectsBadFraction(t *testing.T) {
	r := testRegistry()

	in := input(domain.SizingPercent, 2_000)
	in.Follow.TradeSizePercent = 1.5
	_, err := r.Size(in)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestKellySizing(t *testing.T) {
	r := testRegistry()

	// Score 80 → edge 0.6; 0.5 × 0.6 × 10_000 = 3_000.
	in := input(domain.SizingKelly, 10_000)
	size, err := r.Size(in)
	require.NoError(t, err)
	assert.InDelta(t, 3_000.0, size, 1e-9)
}

func TestKellyZeroEdgeFallsBackToFloor(t *testing.T) {
	r := testRegistry()

	in := input(domain.SizingKelly, 10_000)
	in.Whale.PriorityScore = 45
	size, err := r.Size(in)
	require.NoError(t, err)
	assert.Equal(t, 10.0, size)
}

func TestWhaleEdgeBounds(t *testing.T) {
	assert.Equal(t, 0.0, whaleEdge(0))
	assert.Equal(t, 0.0, whaleEdge(50))
	assert.InDelta(t, 0.4, whaleEdge(70), 1e-9)
	assert.Equal(t, 1.0, whaleEdge(100))
	assert.Equal(t, 1.0, whaleEdge(140))
}

func TestUnknownStrategyFallsBackToFixed(t *testing.T) {
	r := testRegistry()

	in := input(domain.SizingStrategy("MARTINGALE"), 5_000)
	size, err := r.Size(in)
	require.NoError(t, err)
	assert.Equal(t, 1_000.0, size)
}
