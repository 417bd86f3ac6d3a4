// Package queue computes signal priority scores. The queue storage
// itself is Redis-backed (internal/cache/redis); this package owns the
// pure scoring arithmetic so it can be pinned by tests.
package queue

import (
	"math"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// Composite weight components. Lower queue scores pop first, so the
// final score is the negated weight sum.
const (
	weightConfidenceLow      = 10.0
	weightConfidenceMedium   = 20.0
	weightConfidenceHigh     = 30.0
	weightConfidenceVeryHigh = 40.0

	whaleWeightFactor = 0.35
	whaleWeightCap    = 35.0

	sizeWeightCap = 25.0
)

// sizeAnchors is the piecewise-linear size weight curve over notional
// USD. Beyond the last anchor the weight stays capped.
var sizeAnchors = []struct {
	usd    float64
	weight float64
}{
	{0, 0},
	{100, 10},
	{1_000, 17},
	{10_000, 21},
	{100_000, sizeWeightCap},
}

// ConfidenceWeight maps a confidence grade to its score contribution.
func ConfidenceWeight(c domain.SignalConfidence) float64 {
	switch c {
	case domain.ConfidenceVeryHigh:
		return weightConfidenceVeryHigh
	case domain.ConfidenceHigh:
		return weightConfidenceHigh
	case domain.ConfidenceMedium:
		return weightConfidenceMedium
	default:
		return weightConfidenceLow
	}
}

// WhaleWeight maps a whale priority score in [0,100] to its
// contribution, capped at 35.
func WhaleWeight(priorityScore float64) float64 {
	if priorityScore < 0 {
		priorityScore = 0
	}
	return math.Min(whaleWeightCap, math.Floor(priorityScore*whaleWeightFactor))
}

// SizeWeight maps signal notional to its contribution along the
// piecewise-linear curve, capped at 25 (reached at $100k).
func SizeWeight(amountUSD float64) float64 {
	if amountUSD <= 0 {
		return 0
	}
	last := sizeAnchors[len(sizeAnchors)-1]
	if amountUSD >= last.usd {
		return last.weight
	}
	for i := 1; i < len(sizeAnchors); i++ {
		lo, hi := sizeAnchors[i-1], sizeAnchors[i]
		if amountUSD <= hi.usd {
			frac := (amountUSD - lo.usd) / (hi.usd - lo.usd)
			return lo.weight + frac*(hi.weight-lo.weight)
		}
	}
	return last.weight
}

// Score computes the queue score for a signal emitted by a whale.
// Scores are negative composites; the smallest (most negative) entry
// pops first.
func Score(confidence domain.SignalConfidence, whalePriorityScore, amountUSD float64) float64 {
	return -(ConfidenceWeight(confidence) + WhaleWeight(whalePriorityScore) + SizeWeight(amountUSD))
}

// PriorityFor buckets a composite score into the coarse priority enum
// persisted on the signal row.
func PriorityFor(confidence domain.SignalConfidence, whalePriorityScore, amountUSD float64) domain.SignalPriority {
	weight := -Score(confidence, whalePriorityScore, amountUSD)
	switch {
	case weight >= 85:
		return domain.PriorityVeryHigh
	case weight >= 65:
		return domain.PriorityHigh
	case weight >= 40:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}
