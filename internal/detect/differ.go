// Package detect converts whale observations into signals: the differ
// compares consecutive position snapshots, the emitter persists and
// fans out the resulting signals, and the swap path does the same for
// on-chain activity.
package detect

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// ChangeKind is the atomic action inferred between two snapshots.
type ChangeKind string

const (
	ChangeOpen     ChangeKind = "OPEN"
	ChangeIncrease ChangeKind = "INCREASE"
	ChangeDecrease ChangeKind = "DECREASE"
	ChangeClose    ChangeKind = "CLOSE"
)

// Change is one atomic difference between the previous and the new
// snapshot of a whale's positions.
type Change struct {
	Kind   ChangeKind
	Symbol string
	// Side is the whale's position side. For CLOSE the executor
	// derives the order side by flipping it.
	Side domain.TradeSide
	// Delta is the base-quantity change: the full size for OPEN and
	// CLOSE, the resize amount for INCREASE and DECREASE.
	Delta float64
	// DeltaUSD is the notional of the delta.
	DeltaUSD float64
	// Snapshot is the new observation, or the previous one for CLOSE.
	Snapshot domain.PositionSnapshot
}

// Key is the natural dedup key of the change: exchange revision plus
// the change shape. Diffing the same (prev, new) pair twice produces
// the same keys, so replays collapse on the signal store's uniqueness.
func (c Change) Key(whaleID int64) string {
	return fmt.Sprintf("%d:%s:%s:%s", whaleID, c.Symbol, c.Kind, c.Snapshot.Revision)
}

// Diff computes the ordered change set between two snapshots. Output
// order is deterministic: opens, resizes, then closes, each sorted by
// symbol, so persisting in slice order keeps cross-run results stable.
func Diff(prev, next domain.SnapshotSet) []Change {
	var opens, resizes, closes []Change

	for sym, np := range next {
		pp, existed := prev[sym]
		if !existed {
			opens = append(opens, Change{
				Kind:     ChangeOpen,
				Symbol:   sym,
				Side:     np.Side,
				Delta:    np.Size,
				DeltaUSD: np.AmountUSD,
				Snapshot: np,
			})
			continue
		}
		switch {
		case np.Size > pp.Size:
			delta := np.Size - pp.Size
			resizes = append(resizes, Change{
				Kind:     ChangeIncrease,
				Symbol:   sym,
				Side:     np.Side,
				Delta:    delta,
				DeltaUSD: notionalFor(np, delta),
				Snapshot: np,
			})
		case np.Size < pp.Size:
			delta := pp.Size - np.Size
			resizes = append(resizes, Change{
				Kind:     ChangeDecrease,
				Symbol:   sym,
				Side:     np.Side,
				Delta:    delta,
				DeltaUSD: notionalFor(np, delta),
				Snapshot: np,
			})
		}
	}

	for sym, pp := range prev {
		if _, still := next[sym]; !still {
			closes = append(closes, Change{
				Kind:     ChangeClose,
				Symbol:   sym,
				Side:     pp.Side,
				Delta:    pp.Size,
				DeltaUSD: pp.AmountUSD,
				Snapshot: pp,
			})
		}
	}

	bySymbol := func(cs []Change) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Symbol < cs[j].Symbol })
	}
	bySymbol(opens)
	bySymbol(resizes)
	bySymbol(closes)

	out := make([]Change, 0, len(opens)+len(resizes)+len(closes))
	out = append(out, opens...)
	out = append(out, resizes...)
	out = append(out, closes...)
	return out
}

// notionalFor scales the snapshot notional to a partial delta.
func notionalFor(snap domain.PositionSnapshot, delta float64) float64 {
	if snap.Size <= 0 {
		return 0
	}
	return snap.AmountUSD * (delta / snap.Size)
}
