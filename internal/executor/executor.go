// Package executor turns queued signals into exchange orders. One
// execution is a two-phase commit: reserve (risk checks, Trade row,
// signal PROCESSING) then place (adapter call under retry), with
// compensation paths for every failure class. Ambiguous outcomes are
// parked as NEEDS_RECONCILIATION for the reconciler.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
	"github.com/alanyoungcy/whalecopybot/internal/queue"
	"github.com/alanyoungcy/whalecopybot/internal/service"
	"github.com/alanyoungcy/whalecopybot/internal/sizing"
)

// PortProvider resolves a trading port for one user and venue. The
// adapter factory implements it; the returned port is already wrapped
// by the circuit breaker.
type PortProvider interface {
	TradingPort(ctx context.Context, userID int64, exchange domain.Exchange) (domain.ExchangePort, error)
}

// RiskChecker validates a (user, signal) pair before any money moves.
// reducing reports that the signal shrinks existing exposure rather
// than opening fresh exposure; exposure-adding checks stand down then.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, user domain.User, sig domain.Signal, reducing bool) error
}

// Config tunes the executor.
type Config struct {
	// MaxRetries bounds adapter-call retries inside one execution.
	// These are independent of the signal-level retry counter.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	ProcessingLockTTL time.Duration
	SignalExpiry      time.Duration

	// ConfirmTimeout bounds how long a market order reported OPEN is
	// polled before it is parked for the reconciler.
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// MinNotional returns the venue notional floor for a symbol.
	MinNotional func(exchange domain.Exchange, symbol string) float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ProcessingLockTTL <= 0 {
		c.ProcessingLockTTL = 30 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
	if c.MinNotional == nil {
		c.MinNotional = func(domain.Exchange, string) float64 { return 0 }
	}
	return c
}

// Executor drains per-user signal queues and places copy trades.
type Executor struct {
	users     domain.UserStore
	whales    domain.WhaleStore
	follows   domain.FollowStore
	signals   domain.SignalStore
	trades    domain.TradeStore
	positions domain.PositionStore
	posSvc    *service.PositionService
	risk      RiskChecker
	sizer     *sizing.Registry
	ports     PortProvider
	locks     domain.LockManager
	sigQueue  domain.SignalQueue
	balances  domain.BalanceCache
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(
	users domain.UserStore,
	whales domain.WhaleStore,
	follows domain.FollowStore,
	signals domain.SignalStore,
	trades domain.TradeStore,
	positions domain.PositionStore,
	posSvc *service.PositionService,
	risk RiskChecker,
	sizer *sizing.Registry,
	ports PortProvider,
	locks domain.LockManager,
	sigQueue domain.SignalQueue,
	balances domain.BalanceCache,
	bus *events.Bus,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		users:     users,
		whales:    whales,
		follows:   follows,
		signals:   signals,
		trades:    trades,
		positions: positions,
		posSvc:    posSvc,
		risk:      risk,
		sizer:     sizer,
		ports:     ports,
		locks:     locks,
		sigQueue:  sigQueue,
		balances:  balances,
		bus:       bus,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// ProcessUser drains up to max signals from one user's queue under the
// user's processing lock. If another worker holds the lock it returns
// immediately. It returns how many signals it handled.
func (e *Executor) ProcessUser(ctx context.Context, userID int64, max int) (int, error) {
	lock, err := e.locks.Acquire(ctx, fmt.Sprintf("user:%d:processing", userID), e.cfg.ProcessingLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return 0, nil
		}
		return 0, fmt.Errorf("executor: acquire lock for user %d: %w", userID, err)
	}
	defer lock.Release()

	entries, err := e.sigQueue.PopBatch(ctx, userID, max)
	if err != nil {
		return 0, fmt.Errorf("executor: pop queue for user %d: %w", userID, err)
	}

	handled := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			// Shutdown mid-batch: put the unprocessed tail back.
			e.requeue(ctx, userID, entry)
			continue
		}
		if err := lock.Extend(ctx, e.cfg.ProcessingLockTTL); err != nil {
			e.logger.WarnContext(ctx, "processing lock lost mid-batch",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()))
			e.requeue(ctx, userID, entry)
			continue
		}
		if err := e.executeOne(ctx, userID, entry); err != nil {
			e.logger.ErrorContext(ctx, "execution failed",
				slog.Int64("user_id", userID),
				slog.String("signal_id", entry.Signal.ID),
				slog.String("error", err.Error()))
		}
		handled++
	}
	return handled, nil
}

// executeOne runs the two-phase flow for one (user, signal) pair.
// A returned error means an unexpected infrastructure failure; every
// expected outcome (skip, fail, reconcile) is absorbed and reported
// through events.
func (e *Executor) executeOne(ctx context.Context, userID int64, entry domain.QueueEntry) error {
	sig, err := e.signals.GetByID(ctx, entry.Signal.ID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("executor: load signal %s: %w", entry.Signal.ID, err)
	}
	if sig.Status == domain.SignalStatusExpired || sig.Status == domain.SignalStatusFailed {
		return nil
	}
	// The signal fans out to every copier's queue, so PROCESSING or
	// PROCESSED only means some other follower's worker moved the
	// status first. Each follower executes the signal at most once;
	// an existing live trade is the marker for this pair.
	if _, err := e.trades.GetBySignalAndUser(ctx, sig.ID, userID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return fmt.Errorf("executor: check prior trade for signal %s: %w", sig.ID, err)
	}
	if e.cfg.SignalExpiry > 0 && time.Since(sig.DetectedAt) >= e.cfg.SignalExpiry {
		if sig.Status == domain.SignalStatusPending {
			if err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusPending, domain.SignalStatusExpired, "expired before execution"); err == nil {
				e.bus.Emit(events.TypeSignalExpired, events.SignalSkipped{SignalID: sig.ID, UserID: userID, Reason: "expired"})
			}
		}
		return nil
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("executor: load user %d: %w", userID, err)
	}
	if !user.IsActive {
		e.skip(ctx, sig.ID, userID, "user_inactive")
		return nil
	}
	whale, err := e.whales.GetByID(ctx, sig.WhaleID)
	if err != nil {
		return fmt.Errorf("executor: load whale %d: %w", sig.WhaleID, err)
	}
	follow, err := e.followFor(ctx, userID, sig.WhaleID)
	if err != nil {
		if domain.IsNotFound(err) {
			e.skip(ctx, sig.ID, userID, "not_following")
			return nil
		}
		return err
	}

	// A signal whose side opposes existing exposure reduces it; only
	// signals without matching exposure open fresh positions. The risk
	// checks need this distinction: a whale trimming a position must
	// not be refused for "opposing" the very exposure it reduces.
	openPos, posErr := e.positions.FindOpen(ctx, userID, sig.WhaleID, sig.Symbol)
	closing := sig.IsClose || (posErr == nil && openPos.Side != sig.Side)
	if closing && posErr != nil {
		e.skip(ctx, sig.ID, userID, "no_position_to_close")
		return nil
	}
	if sig.IsClose && posErr == nil && openPos.Side == sig.Side {
		// A close signal must flip the held side; same-side means the
		// book diverged from the whale. Reconcile by hand.
		e.skip(ctx, sig.ID, userID, "position_side_mismatch")
		return nil
	}

	if err := e.risk.PreTradeCheck(ctx, user, sig, closing); err != nil {
		e.skip(ctx, sig.ID, userID, "risk_rejected")
		return nil
	}

	port, err := e.ports.TradingPort(ctx, userID, follow.Exchange)
	if err != nil {
		if domain.IsNotFound(err) {
			e.skip(ctx, sig.ID, userID, "no_api_credentials")
			return nil
		}
		e.transientGiveUp(ctx, userID, entry, sig, fmt.Sprintf("port unavailable: %v", err))
		return nil
	}

	var trade domain.Trade
	if closing {
		trade, err = e.reserveClose(ctx, user, follow, sig, openPos)
	} else {
		trade, err = e.reserveOpen(ctx, user, whale, follow, sig, port)
	}
	if err != nil {
		var skipErr *skipError
		if errors.As(err, &skipErr) {
			e.skip(ctx, sig.ID, userID, skipErr.reason)
			return nil
		}
		if errors.Is(err, domain.ErrAlreadyExists) {
			// A concurrent drain of a redelivered entry reserved the
			// pair first; the live-trade index caught the duplicate.
			return nil
		}
		if domain.IsRetryable(err) || errors.Is(err, domain.ErrCircuitOpen) {
			e.transientGiveUp(ctx, userID, entry, sig, err.Error())
			return nil
		}
		return err
	}

	// Reserve committed: the first worker to get here moves the signal
	// out of PENDING and owns its terminal status write. Losing the CAS
	// (or finding it already moved) means another follower's worker owns
	// it; the trade still proceeds for this user.
	ownsStatus := false
	if sig.Status == domain.SignalStatusPending {
		switch err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusPending, domain.SignalStatusProcessing, ""); {
		case err == nil:
			ownsStatus = true
		case errors.Is(err, domain.ErrVersionConflict):
		default:
			return fmt.Errorf("executor: mark signal processing: %w", err)
		}
	}

	return e.place(ctx, port, sig, trade, openPos, closing, ownsStatus, entry)
}

// reserveOpen sizes and persists the PENDING trade for an opening
// signal.
func (e *Executor) reserveOpen(ctx context.Context, user domain.User, whale domain.Whale, follow domain.WhaleFollow, sig domain.Signal, port domain.ExchangePort) (domain.Trade, error) {
	available, err := port.GetBalance(ctx, "USDT")
	if err != nil {
		return domain.Trade{}, fmt.Errorf("executor: get balance: %w", err)
	}

	notional, err := e.sizer.Size(sizing.Input{
		Follow:        follow,
		Whale:         whale,
		Signal:        sig,
		AvailableUSDT: available,
		MinNotional:   e.cfg.MinNotional(follow.Exchange, sig.Symbol),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return domain.Trade{}, &skipError{reason: "insufficient_balance"}
		}
		return domain.Trade{}, fmt.Errorf("executor: size trade: %w", err)
	}

	price := sig.EntryPrice
	if mark, err := port.GetMarkPrice(ctx, sig.Symbol); err == nil && mark > 0 {
		price = mark
	}
	if price <= 0 {
		return domain.Trade{}, &skipError{reason: "no_price_available"}
	}

	leverage := follow.MaxLeverage
	if leverage < 1 {
		leverage = 1
	}

	trade := domain.Trade{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		SignalID:    sig.ID,
		Exchange:    follow.Exchange,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		TradeType:   sig.TradeType,
		Quantity:    notional / price,
		NotionalUSD: notional,
		Leverage:    leverage,
		Status:      domain.TradeStatusPending,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		return domain.Trade{}, fmt.Errorf("executor: create trade: %w", err)
	}
	return trade, nil
}

// reserveClose persists the PENDING trade reducing an open position.
// A full close takes the whole remaining quantity; a partial whale
// exit reduces proportionally to the signalled notional.
func (e *Executor) reserveClose(ctx context.Context, user domain.User, follow domain.WhaleFollow, sig domain.Signal, pos domain.Position) (domain.Trade, error) {
	qty := pos.RemainingQty
	if !sig.IsClose && sig.EntryPrice > 0 {
		partial := sig.AmountUSD / sig.EntryPrice
		if partial < qty {
			qty = partial
		}
	}
	if qty <= 0 {
		return domain.Trade{}, &skipError{reason: "nothing_to_close"}
	}

	trade := domain.Trade{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		SignalID:    sig.ID,
		Exchange:    follow.Exchange,
		Symbol:      sig.Symbol,
		Side:        pos.Side.Opposite(),
		TradeType:   pos.TradeType,
		Quantity:    qty,
		NotionalUSD: qty * pos.EntryPrice,
		Leverage:    pos.Leverage,
		Status:      domain.TradeStatusPending,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		return domain.Trade{}, fmt.Errorf("executor: create close trade: %w", err)
	}
	return trade, nil
}

// place runs phase two: move the trade to EXECUTING, call the adapter
// under the retry envelope, and settle the outcome.
func (e *Executor) place(ctx context.Context, port domain.ExchangePort, sig domain.Signal, trade domain.Trade, pos domain.Position, closing, ownsStatus bool, entry domain.QueueEntry) error {
	trade.Status = domain.TradeStatusExecuting
	if err := e.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("executor: mark trade executing: %w", err)
	}
	trade.Version++

	res, err := e.withRetry(ctx, func(callCtx context.Context) (*domain.OrderResult, error) {
		return e.placeOrder(callCtx, port, trade, pos, closing)
	})

	switch outcomeOf(err) {
	case outcomeFilled:
		// Some venues acknowledge market orders as OPEN before the
		// match engine reports the fill. Poll until the order leaves
		// OPEN or the confirmation window closes.
		if res.Status == domain.OrderStatusOpen {
			confirmed := e.confirmFill(ctx, port, trade, res)
			if confirmed.Status == domain.OrderStatusOpen {
				return e.settleAmbiguous(ctx, sig, trade,
					fmt.Errorf("executor: order unconfirmed after %s", e.cfg.ConfirmTimeout))
			}
			res = confirmed
		}
		return e.settleFilled(ctx, sig, trade, pos, closing, ownsStatus, *res)
	case outcomeRejected:
		return e.settleRejected(ctx, sig, trade, entry, ownsStatus, err)
	case outcomeRateLimited:
		return e.settleRateLimited(ctx, sig, trade, entry, ownsStatus, err)
	default:
		return e.settleAmbiguous(ctx, sig, trade, err)
	}
}

// placeOrder dispatches the adapter call for the trade's market.
func (e *Executor) placeOrder(ctx context.Context, port domain.ExchangePort, trade domain.Trade, pos domain.Position, closing bool) (*domain.OrderResult, error) {
	if closing && trade.TradeType != domain.TradeTypeSpot {
		return port.CloseFuturesPosition(ctx, trade.Symbol, pos.Side, trade.Quantity, trade.ID)
	}
	switch trade.TradeType {
	case domain.TradeTypeSpot:
		if trade.Side == domain.TradeSideBuy {
			return port.SpotMarketBuy(ctx, trade.Symbol, trade.NotionalUSD, trade.ID)
		}
		return port.SpotMarketSell(ctx, trade.Symbol, trade.Quantity, trade.ID)
	case domain.TradeTypeFuturesLong:
		return port.FuturesMarketLong(ctx, trade.Symbol, trade.Quantity, int(trade.Leverage), trade.ID)
	case domain.TradeTypeFuturesShort:
		return port.FuturesMarketShort(ctx, trade.Symbol, trade.Quantity, int(trade.Leverage), trade.ID)
	default:
		return nil, fmt.Errorf("executor: unknown trade type %q: %w", trade.TradeType, domain.ErrInvalidInput)
	}
}

// confirmFill polls the venue until the order leaves OPEN or the
// confirmation window closes, returning the last state seen.
func (e *Executor) confirmFill(ctx context.Context, port domain.ExchangePort, trade domain.Trade, last *domain.OrderResult) *domain.OrderResult {
	deadline := time.NewTimer(e.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	lookupID := last.OrderID
	if lookupID == "" {
		lookupID = trade.ID
	}
	for {
		select {
		case <-ctx.Done():
			return last
		case <-deadline.C:
			return last
		case <-ticker.C:
			cur, err := port.GetOrder(ctx, trade.Symbol, lookupID)
			if err != nil {
				e.logger.DebugContext(ctx, "fill confirmation poll failed",
					slog.String("trade_id", trade.ID),
					slog.String("error", err.Error()))
				continue
			}
			if cur.Status != domain.OrderStatusOpen {
				return cur
			}
			last = cur
		}
	}
}

// settleFilled confirms the order, books the position move, and
// completes the signal.
func (e *Executor) settleFilled(ctx context.Context, sig domain.Signal, trade domain.Trade, pos domain.Position, closing, ownsStatus bool, res domain.OrderResult) error {
	now := time.Now().UTC()
	trade.ApplyResult(res, now)
	if err := e.trades.Update(ctx, trade); err != nil {
		// The order is live on the venue but we could not record it.
		return e.settleAmbiguous(ctx, sig, trade, fmt.Errorf("executor: record fill: %w", err))
	}
	trade.Version++

	if trade.Status == domain.TradeStatusFilled || trade.Status == domain.TradeStatusPartiallyFilled {
		if closing {
			if _, err := e.posSvc.ReduceFromTrade(ctx, pos, trade, domain.CloseReasonWhaleExit); err != nil {
				e.logger.ErrorContext(ctx, "position reduce failed",
					slog.String("trade_id", trade.ID),
					slog.String("error", err.Error()))
			}
		} else {
			if _, err := e.posSvc.OpenFromTrade(ctx, trade, sig); err != nil {
				e.logger.ErrorContext(ctx, "position open failed",
					slog.String("trade_id", trade.ID),
					slog.String("error", err.Error()))
			}
		}
		e.bus.Emit(events.TypeTradeExecuted, events.TradeExecuted{Trade: trade})
	} else {
		e.bus.Emit(events.TypeTradeFailed, events.TradeFailed{Trade: trade, Reason: string(trade.Status)})
	}

	if ownsStatus {
		if err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusProcessing, domain.SignalStatusProcessed, ""); err != nil {
			e.logger.WarnContext(ctx, "signal completion write failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()))
		}
	}
	if err := e.balances.Invalidate(ctx, trade.UserID, trade.Exchange); err != nil {
		e.logger.DebugContext(ctx, "balance cache invalidate failed",
			slog.Int64("user_id", trade.UserID),
			slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "trade executed",
		slog.String("trade_id", trade.ID),
		slog.String("signal_id", sig.ID),
		slog.Int64("user_id", trade.UserID),
		slog.String("symbol", trade.Symbol),
		slog.String("status", string(trade.Status)),
		slog.Float64("executed_qty", trade.ExecutedQty),
		slog.Float64("executed_price", trade.ExecutedPrice))
	return nil
}

// settleRejected handles a definitive venue rejection: the trade fails
// and the signal burns one retry.
func (e *Executor) settleRejected(ctx context.Context, sig domain.Signal, trade domain.Trade, entry domain.QueueEntry, ownsStatus bool, cause error) error {
	trade.Status = domain.TradeStatusFailed
	trade.ErrorMsg = cause.Error()
	if err := e.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("executor: mark trade failed: %w", err)
	}
	trade.Version++
	e.bus.Emit(events.TypeTradeFailed, events.TradeFailed{Trade: trade, Reason: cause.Error()})

	if ownsStatus {
		e.failOrRetrySignal(ctx, trade.UserID, sig, entry, cause.Error())
	}
	return nil
}

// settleRateLimited cancels the attempt entirely: the order never
// reached the venue, so the trade cancels and the signal goes back to
// the queue.
func (e *Executor) settleRateLimited(ctx context.Context, sig domain.Signal, trade domain.Trade, entry domain.QueueEntry, ownsStatus bool, cause error) error {
	trade.Status = domain.TradeStatusCancelled
	trade.ErrorMsg = cause.Error()
	if err := e.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("executor: cancel trade: %w", err)
	}
	trade.Version++

	if ownsStatus {
		if err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusProcessing, domain.SignalStatusPending, "rate limited"); err != nil {
			e.logger.WarnContext(ctx, "signal requeue write failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()))
			return nil
		}
	}
	e.requeue(ctx, trade.UserID, entry)
	return nil
}

// settleAmbiguous parks the trade for the reconciler: the order may or
// may not exist on the venue. The signal stays PROCESSING; the
// reconciler completes it on adjudication and the janitor recovers it
// if the reconciler cannot.
func (e *Executor) settleAmbiguous(ctx context.Context, sig domain.Signal, trade domain.Trade, cause error) error {
	trade.Status = domain.TradeStatusNeedsReconciliation
	trade.ErrorMsg = cause.Error()
	if err := e.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("executor: park trade for reconciliation: %w", err)
	}
	trade.Version++

	e.logger.WarnContext(ctx, "trade needs reconciliation",
		slog.String("trade_id", trade.ID),
		slog.String("signal_id", sig.ID),
		slog.String("cause", cause.Error()))
	e.bus.Emit(events.TypeTradeNeedsReconciliation, events.TradeNeedsReconciliation{Trade: trade})
	return nil
}

// failOrRetrySignal burns one signal retry, failing at the ceiling.
// The PROCESSING→PENDING store write increments retry_count.
func (e *Executor) failOrRetrySignal(ctx context.Context, userID int64, sig domain.Signal, entry domain.QueueEntry, errMsg string) {
	if sig.RetryCount >= domain.MaxSignalRetries {
		if err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusProcessing, domain.SignalStatusFailed, errMsg); err != nil {
			e.logger.WarnContext(ctx, "signal fail write failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()))
		}
		return
	}
	if err := e.signals.UpdateStatus(ctx, sig.ID, domain.SignalStatusProcessing, domain.SignalStatusPending, errMsg); err != nil {
		e.logger.WarnContext(ctx, "signal retry write failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
		return
	}
	e.requeue(ctx, userID, entry)
}

// transientGiveUp handles pre-place transient failures: nothing was
// committed, so the entry simply returns to the queue.
func (e *Executor) transientGiveUp(ctx context.Context, userID int64, entry domain.QueueEntry, sig domain.Signal, cause string) {
	e.logger.WarnContext(ctx, "execution deferred",
		slog.Int64("user_id", userID),
		slog.String("signal_id", sig.ID),
		slog.String("cause", cause))
	e.requeue(ctx, userID, entry)
}

// requeue pushes a queue entry back for a later drain pass.
func (e *Executor) requeue(ctx context.Context, userID int64, entry domain.QueueEntry) {
	if err := e.sigQueue.Push(ctx, userID, entry); err != nil {
		e.logger.ErrorContext(ctx, "requeue failed",
			slog.Int64("user_id", userID),
			slog.String("signal_id", entry.Signal.ID),
			slog.String("error", err.Error()))
	}
}

// skip drops one (user, signal) pair and reports why.
func (e *Executor) skip(ctx context.Context, signalID string, userID int64, reason string) {
	e.logger.InfoContext(ctx, "signal skipped",
		slog.String("signal_id", signalID),
		slog.Int64("user_id", userID),
		slog.String("reason", reason))
	e.bus.Emit(events.TypeSignalSkipped, events.SignalSkipped{
		SignalID: signalID,
		UserID:   userID,
		Reason:   reason,
	})
}

// followFor finds the (user, whale) follow.
func (e *Executor) followFor(ctx context.Context, userID, whaleID int64) (domain.WhaleFollow, error) {
	follows, err := e.follows.ListByUser(ctx, userID)
	if err != nil {
		return domain.WhaleFollow{}, fmt.Errorf("executor: list follows: %w", err)
	}
	for _, f := range follows {
		if f.WhaleID == whaleID {
			return f, nil
		}
	}
	return domain.WhaleFollow{}, fmt.Errorf("executor: follow for user %d whale %d: %w", userID, whaleID, domain.ErrNotFound)
}

// skipError marks reserve-phase conditions that skip the pair rather
// than fail the system.
type skipError struct {
	reason string
}

func (e *skipError) Error() string { return "executor: skip: " + e.reason }

// Score recomputes the queue score used when re-enqueueing; exported
// for the drainer's requeue path.
func Score(sig domain.Signal, whale domain.Whale) float64 {
	return queue.Score(sig.Confidence, whale.PriorityScore, sig.AmountUSD)
}
