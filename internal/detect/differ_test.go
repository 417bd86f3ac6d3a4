package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

func snap(symbol string, side domain.TradeSide, size, usd float64, rev string) domain.PositionSnapshot {
	return domain.PositionSnapshot{
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		AmountUSD: usd,
		Revision:  rev,
	}
}

func TestDiffOpen(t *testing.T) {
	prev := domain.SnapshotSet{}
	next := domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	}

	changes := Diff(prev, next)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeOpen, changes[0].Kind)
	assert.Equal(t, domain.TradeSideBuy, changes[0].Side)
	assert.Equal(t, 2.0, changes[0].Delta)
	assert.Equal(t, 120_000.0, changes[0].DeltaUSD)
}

func TestDiffResize(t *testing.T) {
	prev := domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
		"ETHUSDT": snap("ETHUSDT", domain.TradeSideSell, 10, 40_000, "r2"),
	}
	next := domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 3, 180_000, "r3"),
		"ETHUSDT": snap("ETHUSDT", domain.TradeSideSell, 4, 16_000, "r4"),
	}

	changes := Diff(prev, next)
	require.Len(t, changes, 2)

	assert.Equal(t, ChangeIncrease, changes[0].Kind)
	assert.Equal(t, "BTCUSDT", changes[0].Symbol)
	assert.Equal(t, 1.0, changes[0].Delta)
	assert.InDelta(t, 60_000.0, changes[0].DeltaUSD, 1e-9)

	assert.Equal(t, ChangeDecrease, changes[1].Kind)
	assert.Equal(t, "ETHUSDT", changes[1].Symbol)
	assert.Equal(t, 6.0, changes[1].Delta)
	assert.InDelta(t, 24_000.0, changes[1].DeltaUSD, 1e-9)
}

func TestDiffClose(t *testing.T) {
	prev := domain.SnapshotSet{
		"SOLUSDT": snap("SOLUSDT", domain.TradeSideSell, 100, 15_000, "r1"),
	}

	changes := Diff(prev, domain.SnapshotSet{})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeClose, changes[0].Kind)
	assert.Equal(t, domain.TradeSideSell, changes[0].Side)
	assert.Equal(t, 100.0, changes[0].Delta)
}

func TestDiffUnchangedEmitsNothing(t *testing.T) {
	set := domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
	}
	assert.Empty(t, Diff(set, set))
}

// Diffing the same snapshot pair twice yields byte-identical changes
// with identical natural keys, so a replayed poll collapses on the
// tx_hash uniqueness instead of double-emitting.
func TestDiffIdempotent(t *testing.T) {
	prev := domain.SnapshotSet{
		"BTCUSDT": snap("BTCUSDT", domain.TradeSideBuy, 2, 120_000, "r1"),
		"ETHUSDT": snap("ETHUSDT", domain.TradeSideBuy, 5, 20_000, "r2"),
	}
	next := domain.SnapshotSet{
		"ETHUSDT": snap("ETHUSDT", domain.TradeSideBuy, 8, 32_000, "r5"),
		"XRPUSDT": snap("XRPUSDT", domain.TradeSideSell, 1_000, 3_000, "r6"),
	}

	first := Diff(prev, next)
	second := Diff(prev, next)
	require.Equal(t, first, second)

	for i := range first {
		assert.Equal(t, first[i].Key(42), second[i].Key(42))
	}
}

func TestDiffDeterministicOrder(t *testing.T) {
	prev := domain.SnapshotSet{
		"DOGEUSDT": snap("DOGEUSDT", domain.TradeSideBuy, 10_000, 2_000, "r1"),
		"ETHUSDT":  snap("ETHUSDT", domain.TradeSideBuy, 5, 20_000, "r2"),
	}
	next := domain.SnapshotSet{
		"ETHUSDT":  snap("ETHUSDT", domain.TradeSideBuy, 6, 24_000, "r3"),
		"BTCUSDT":  snap("BTCUSDT", domain.TradeSideBuy, 1, 60_000, "r4"),
		"AVAXUSDT": snap("AVAXUSDT", domain.TradeSideBuy, 50, 1_500, "r5"),
	}

	changes := Diff(prev, next)
	require.Len(t, changes, 4)
	// Opens sorted by symbol, then resizes, then closes.
	assert.Equal(t, ChangeOpen, changes[0].Kind)
	assert.Equal(t, "AVAXUSDT", changes[0].Symbol)
	assert.Equal(t, ChangeOpen, changes[1].Kind)
	assert.Equal(t, "BTCUSDT", changes[1].Symbol)
	assert.Equal(t, ChangeIncrease, changes[2].Kind)
	assert.Equal(t, "ETHUSDT", changes[2].Symbol)
	assert.Equal(t, ChangeClose, changes[3].Kind)
	assert.Equal(t, "DOGEUSDT", changes[3].Symbol)
}
