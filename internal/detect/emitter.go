package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/queue"
)

// Config tunes the emitter.
type Config struct {
	// MinTradingBalanceUSDT is the cached-balance pre-filter threshold:
	// followers whose cached balance sits below it are skipped at
	// enqueue time instead of failing later in the executor.
	MinTradingBalanceUSDT float64
	// MinSwapUSD drops on-chain swaps below this notional entirely.
	MinSwapUSD float64
	// QueueTTL caps how long an enqueued entry stays poppable.
	QueueTTL time.Duration
}

// Emitter persists detected signals and fans them out to followers'
// queues. Creation is the only write it does on signals; status moves
// belong to the queue drainer and the executor.
type Emitter struct {
	signals  domain.SignalStore
	follows  domain.FollowStore
	queue    domain.SignalQueue
	balances domain.BalanceCache
	bus      *events.Bus
	dedup    *Dedup
	cfg      Config
	logger   *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(
	signals domain.SignalStore,
	follows domain.FollowStore,
	q domain.SignalQueue,
	balances domain.BalanceCache,
	bus *events.Bus,
	dedup *Dedup,
	cfg Config,
	logger *slog.Logger,
) *Emitter {
	return &Emitter{
		signals:  signals,
		follows:  follows,
		queue:    q,
		balances: balances,
		bus:      bus,
		dedup:    dedup,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "emitter")),
	}
}

// EmitChanges persists one signal per change and enqueues each for
// every auto-copying follower. Duplicates are dropped silently; one
// change failing does not abort the rest. It returns how many signals
// were newly persisted.
func (e *Emitter) EmitChanges(ctx context.Context, whale domain.Whale, changes []Change) (int, error) {
	var emitted int
	var errs []error
	for _, ch := range changes {
		sig, ok := e.signalFromChange(whale, ch)
		if !ok {
			continue
		}
		created, err := e.emit(ctx, whale, sig)
		if err != nil {
			errs = append(errs, fmt.Errorf("emitter: %s %s: %w", ch.Kind, ch.Symbol, err))
			continue
		}
		if created {
			emitted++
		}
	}
	return emitted, errors.Join(errs...)
}

// EmitFromSwap converts a decoded DEX swap into a signal and runs it
// through the same persist-and-fan-out path as poll diffs. Swaps below
// the notional floor are ignored.
func (e *Emitter) EmitFromSwap(ctx context.Context, whale domain.Whale, swap domain.Swap) (bool, error) {
	if swap.AmountUSD < e.cfg.MinSwapUSD {
		return false, nil
	}
	sig := e.signalFromSwap(whale, swap)
	return e.emit(ctx, whale, sig)
}

// emit persists the signal (dropping duplicates) and fans it out. The
// bool reports whether a new signal row was created.
func (e *Emitter) emit(ctx context.Context, whale domain.Whale, sig domain.Signal) (bool, error) {
	if e.dedup.IsDuplicate(sig.TxHash) {
		return false, nil
	}
	exists, err := e.signals.ExistsByTxHash(ctx, sig.TxHash)
	if err != nil {
		return false, fmt.Errorf("check tx hash: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := e.signals.Create(ctx, sig); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the race with another emit of the same revision.
			return false, nil
		}
		return false, fmt.Errorf("persist signal: %w", err)
	}

	e.logger.InfoContext(ctx, "signal detected",
		slog.String("signal_id", sig.ID),
		slog.Int64("whale_id", whale.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("action", string(sig.Action)),
		slog.String("confidence", string(sig.Confidence)),
		slog.Float64("amount_usd", sig.AmountUSD))
	e.bus.Emit(events.TypeSignalDetected, events.SignalDetected{Signal: sig, Whale: whale})

	if sig.CopyEligible() {
		if err := e.fanOut(ctx, whale, sig); err != nil {
			return true, err
		}
	}
	return true, nil
}

// fanOut enqueues the signal for every auto-copying follower that
// passes the cached-balance pre-filter. Enqueue failures for one
// follower do not block the rest.
func (e *Emitter) fanOut(ctx context.Context, whale domain.Whale, sig domain.Signal) error {
	follows, err := e.follows.ListCopiers(ctx, whale.ID)
	if err != nil {
		return fmt.Errorf("list copiers: %w", err)
	}

	score := queue.Score(sig.Confidence, whale.PriorityScore, sig.AmountUSD)
	var errs []error
	for _, f := range follows {
		if skipped := e.balanceFiltered(ctx, f, sig); skipped {
			continue
		}
		entry := domain.QueueEntry{Signal: sig, Score: score, EnqueuedAt: time.Now().UTC()}
		if err := e.queue.Push(ctx, f.UserID, entry); err != nil {
			errs = append(errs, fmt.Errorf("enqueue user %d: %w", f.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// balanceFiltered applies the cached-balance pre-filter. A cache miss
// never filters: the executor re-checks the real balance anyway.
func (e *Emitter) balanceFiltered(ctx context.Context, f domain.WhaleFollow, sig domain.Signal) bool {
	balance, ok, err := e.balances.Get(ctx, f.UserID, f.Exchange)
	if err != nil || !ok {
		return false
	}
	if balance >= e.cfg.MinTradingBalanceUSDT {
		return false
	}
	e.logger.DebugContext(ctx, "follower skipped",
		slog.Int64("user_id", f.UserID),
		slog.String("signal_id", sig.ID),
		slog.Float64("cached_balance", balance))
	e.bus.Emit(events.TypeSignalSkipped, events.SignalSkipped{
		SignalID: sig.ID,
		UserID:   f.UserID,
		Reason:   "insufficient_balance_cached",
	})
	return true
}

// signalFromChange maps one diff change to a persistable signal.
func (e *Emitter) signalFromChange(whale domain.Whale, ch Change) (domain.Signal, bool) {
	if ch.Delta <= 0 {
		return domain.Signal{}, false
	}

	// Leaderboard positions are futures; the position side picks the
	// contract direction, the change kind picks the order side.
	tradeType := domain.TradeTypeFuturesLong
	if ch.Side == domain.TradeSideSell {
		tradeType = domain.TradeTypeFuturesShort
	}

	side := ch.Side
	isClose := false
	switch ch.Kind {
	case ChangeDecrease:
		side = ch.Side.Opposite()
	case ChangeClose:
		side = ch.Side.Opposite()
		isClose = true
	}

	action := domain.SignalActionBuy
	if side == domain.TradeSideSell {
		action = domain.SignalActionSell
	}

	price := ch.Snapshot.MarkPrice
	if price <= 0 {
		price = ch.Snapshot.EntryPrice
	}

	conf := Grade(domain.SignalSourceWhalePoll, whale.PriorityScore, ch.DeltaUSD)
	return domain.Signal{
		ID:         uuid.NewString(),
		WhaleID:    whale.ID,
		TxHash:     ch.Key(whale.ID),
		Source:     domain.SignalSourceWhalePoll,
		Action:     action,
		Side:       side,
		TradeType:  tradeType,
		Symbol:     ch.Symbol,
		EntryPrice: price,
		AmountUSD:  ch.DeltaUSD,
		Confidence: conf,
		IsClose:    isClose,
		Status:     domain.SignalStatusPending,
		Priority:   queue.PriorityFor(conf, whale.PriorityScore, ch.DeltaUSD),
		DetectedAt: time.Now().UTC(),
	}, true
}

// stablecoins anchors swap direction: buying against a stable is a
// BUY of the other leg, selling into a stable is a SELL.
var stablecoins = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"DAI":   true,
	"BUSD":  true,
	"FDUSD": true,
}

// signalFromSwap maps a swap to a signal. LP events and swaps between
// two non-stable tokens are recorded without a symbol, which makes
// them observe-only.
func (e *Emitter) signalFromSwap(whale domain.Whale, swap domain.Swap) domain.Signal {
	var (
		action domain.SignalAction
		side   domain.TradeSide
		symbol string
	)
	switch {
	case swap.LiquidityChange():
		action = domain.SignalActionAddLiquidity
	case stablecoins[strings.ToUpper(swap.TokenInSym)] && !stablecoins[strings.ToUpper(swap.TokenOutSym)]:
		action = domain.SignalActionBuy
		side = domain.TradeSideBuy
		symbol = strings.ToUpper(swap.TokenOutSym) + "USDT"
	case stablecoins[strings.ToUpper(swap.TokenOutSym)] && !stablecoins[strings.ToUpper(swap.TokenInSym)]:
		action = domain.SignalActionSell
		side = domain.TradeSideSell
		symbol = strings.ToUpper(swap.TokenInSym) + "USDT"
	default:
		// Token-to-token rotation; no clean CEX equivalent.
		action = domain.SignalActionBuy
	}

	conf := Grade(domain.SignalSourceOnchainSwap, whale.PriorityScore, swap.AmountUSD)
	return domain.Signal{
		ID:         uuid.NewString(),
		WhaleID:    whale.ID,
		TxHash:     swap.TxHash.Hex(),
		Source:     domain.SignalSourceOnchainSwap,
		Action:     action,
		Side:       side,
		TradeType:  domain.TradeTypeSpot,
		Symbol:     symbol,
		AmountUSD:  swap.AmountUSD,
		Confidence: conf,
		Status:     domain.SignalStatusPending,
		Priority:   queue.PriorityFor(conf, whale.PriorityScore, swap.AmountUSD),
		DetectedAt: swap.Timestamp.UTC(),
	}
}
