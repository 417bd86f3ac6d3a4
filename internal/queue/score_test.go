package queue

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

func TestConfidenceWeight(t *testing.T) {
	assert.Equal(t, 10.0, ConfidenceWeight(domain.ConfidenceLow))
	assert.Equal(t, 20.0, ConfidenceWeight(domain.ConfidenceMedium))
	assert.Equal(t, 30.0, ConfidenceWeight(domain.ConfidenceHigh))
	assert.Equal(t, 40.0, ConfidenceWeight(domain.ConfidenceVeryHigh))
}

func TestWhaleWeightFlooredAndCapped(t *testing.T) {
	assert.Equal(t, 0.0, WhaleWeight(0))
	assert.Equal(t, 24.0, WhaleWeight(70)) // floor(70 × 0.35)
	assert.Equal(t, 35.0, WhaleWeight(100))
	assert.Equal(t, 35.0, WhaleWeight(250))
	assert.Equal(t, 0.0, WhaleWeight(-5))
}

func TestSizeWeightCurve(t *testing.T) {
	tests := []struct {
		name string
		usd  float64
		want float64
	}{
		{"zero", 0, 0},
		{"hundred", 100, 10},
		{"one k", 1_000, 17},
		{"ten k", 10_000, 21},
		{"hundred k caps", 100_000, 25},
		{"beyond cap", 5_000_000, 25},
		{"interpolated 50k", 50_000, 21 + (40_000.0/90_000.0)*4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SizeWeight(tt.usd), 1e-9)
		})
	}
}

// Three queued signals for one user: A high-confidence whale dump of
// $100k, B a very-high-confidence $1k entry, C a medium-confidence
// $60k move. Confidence outranks size for B; among the rest A's size
// cap edges out C. Expected pop order: B, A, C.
func TestPopOrderPinsScoringFormula(t *testing.T) {
	type sig struct {
		name string
		conf domain.SignalConfidence
		usd  float64
	}
	signals := []sig{
		{"A", domain.ConfidenceHigh, 100_000},
		{"B", domain.ConfidenceVeryHigh, 1_000},
		{"C", domain.ConfidenceMedium, 60_000},
	}

	// Identical whale so only confidence and size differentiate.
	const whaleScore = 0.0

	scores := make(map[string]float64, len(signals))
	for _, s := range signals {
		scores[s.name] = Score(s.conf, whaleScore, s.usd)
	}

	// Exact component arithmetic.
	assert.InDelta(t, -(30.0 + 25.0), scores["A"], 1e-9)
	assert.InDelta(t, -(40.0 + 17.0), scores["B"], 1e-9)
	assert.InDelta(t, -(20.0+21.0+(50_000.0/90_000.0)*4.0), scores["C"], 1e-9)

	order := []string{"A", "B", "C"}
	sort.Slice(order, func(i, j int) bool {
		return scores[order[i]] < scores[order[j]]
	})
	assert.Equal(t, []string{"B", "A", "C"}, order)
}

func TestPriorityBuckets(t *testing.T) {
	// Whale score 70, $50k: the scenario-1 shape lands on HIGH.
	assert.Equal(t, domain.PriorityHigh, PriorityFor(domain.ConfidenceHigh, 70, 50_000))
	assert.Equal(t, domain.PriorityVeryHigh, PriorityFor(domain.ConfidenceVeryHigh, 100, 100_000))
	assert.Equal(t, domain.PriorityLow, PriorityFor(domain.ConfidenceLow, 10, 50))
	assert.Equal(t, domain.PriorityMedium, PriorityFor(domain.ConfidenceMedium, 60, 1_000))
}
