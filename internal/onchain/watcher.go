package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// SwapEmitter converts a swap into a signal and fans it out. The
// detect emitter implements it.
type SwapEmitter interface {
	EmitFromSwap(ctx context.Context, whale domain.Whale, swap domain.Swap) (bool, error)
}

// Watcher polls the subgraph for swaps made by tracked on-chain
// wallets and hands them to the emitter. The TxHash natural key makes
// overlapping fetch windows harmless.
type Watcher struct {
	whales   domain.WhaleStore
	detector SwapDetector
	emitter  SwapEmitter
	logger   *slog.Logger

	fetchLimit int
	lastSeen   time.Time
}

// NewWatcher creates a Watcher. The first pass looks back one hour so
// a restart does not replay ancient history.
func NewWatcher(whales domain.WhaleStore, detector SwapDetector, emitter SwapEmitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		whales:     whales,
		detector:   detector,
		emitter:    emitter,
		logger:     logger.With(slog.String("component", "onchain")),
		fetchLimit: 500,
		lastSeen:   time.Now().UTC().Add(-time.Hour),
	}
}

// Run executes a single watch pass and returns how many signals were
// emitted.
func (w *Watcher) Run(ctx context.Context) (int, error) {
	tracked, err := w.trackedWallets(ctx)
	if err != nil {
		return 0, err
	}
	if len(tracked) == 0 {
		return 0, nil
	}

	wallets := make([]common.Address, 0, len(tracked))
	for addr := range tracked {
		wallets = append(wallets, addr)
	}

	swaps, err := w.detector.FetchSwaps(ctx, wallets, w.lastSeen, w.fetchLimit)
	if err != nil {
		return 0, fmt.Errorf("onchain: watch pass: %w", err)
	}

	emitted := 0
	for _, swap := range swaps {
		whale, ok := tracked[swap.Wallet]
		if !ok {
			continue
		}
		created, err := w.emitter.EmitFromSwap(ctx, whale, swap)
		if err != nil {
			w.logger.WarnContext(ctx, "swap emit failed",
				slog.String("tx_hash", swap.TxHash.Hex()),
				slog.Int64("whale_id", whale.ID),
				slog.String("error", err.Error()))
			continue
		}
		if created {
			emitted++
		}
		if swap.Timestamp.After(w.lastSeen) {
			w.lastSeen = swap.Timestamp
		}
	}

	if emitted > 0 {
		w.logger.InfoContext(ctx, "onchain pass complete",
			slog.Int("swaps", len(swaps)),
			slog.Int("signals", emitted))
	}
	return emitted, nil
}

// RunLoop runs watch passes on the interval until the context is
// cancelled.
func (w *Watcher) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := w.Run(ctx); err != nil {
		w.logger.ErrorContext(ctx, "onchain pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("onchain watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Run(ctx); err != nil {
				w.logger.ErrorContext(ctx, "onchain pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// trackedWallets maps checksummed wallet addresses to their whales.
// Invalid stored addresses are skipped with a warning.
func (w *Watcher) trackedWallets(ctx context.Context) (map[common.Address]domain.Whale, error) {
	all, err := w.whales.List(ctx, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("onchain: list whales: %w", err)
	}

	tracked := make(map[common.Address]domain.Whale)
	for _, whale := range all {
		if whale.WhaleType != domain.WhaleTypeOnchainWallet || !whale.IsActive {
			continue
		}
		if !common.IsHexAddress(whale.Address) {
			w.logger.Warn("whale has invalid wallet address",
				slog.Int64("whale_id", whale.ID),
				slog.String("address", whale.Address))
			continue
		}
		addr := common.HexToAddress(strings.TrimSpace(whale.Address))
		tracked[addr] = whale
	}
	return tracked, nil
}
