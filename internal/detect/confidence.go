package detect

import "github.com/alanyoungcy/whalecopybot/internal/domain"

// confidence ladder, low to high.
var ladder = []domain.SignalConfidence{
	domain.ConfidenceLow,
	domain.ConfidenceMedium,
	domain.ConfidenceHigh,
	domain.ConfidenceVeryHigh,
}

// Grade assigns a confidence tier to an observation. The grade starts
// at MEDIUM and moves with the whale's track record and the notional
// committed; on-chain observations are demoted one tier because a DEX
// swap carries less intent context than a leaderboard position change.
func Grade(source domain.SignalSource, whalePriorityScore, amountUSD float64) domain.SignalConfidence {
	tier := 1 // MEDIUM

	switch {
	case whalePriorityScore >= 75:
		tier++
	case whalePriorityScore < 40:
		tier--
	}

	switch {
	case amountUSD >= 50_000:
		tier++
	case amountUSD < 1_000:
		tier--
	}

	if source == domain.SignalSourceOnchainSwap {
		tier--
	}

	if tier < 0 {
		tier = 0
	}
	if tier > len(ladder)-1 {
		tier = len(ladder) - 1
	}
	return ladder[tier]
}
