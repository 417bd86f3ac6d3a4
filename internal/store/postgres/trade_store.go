package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, user_id, signal_id, exchange, exchange_order_id,
	symbol, side, trade_type, quantity, notional_usd,
	executed_qty, executed_price, fee_amount, fee_currency, leverage,
	status, version, error_msg, created_at, executed_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var exchange, side, tradeType, status string

	err := row.Scan(
		&t.ID, &t.UserID, &t.SignalID, &exchange, &t.ExchangeOrderID,
		&t.Symbol, &side, &tradeType, &t.Quantity, &t.NotionalUSD,
		&t.ExecutedQty, &t.ExecutedPrice, &t.FeeAmount, &t.FeeCurrency, &t.Leverage,
		&status, &t.Version, &t.ErrorMsg, &t.CreatedAt, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Exchange = domain.Exchange(exchange)
	t.Side = domain.TradeSide(side)
	t.TradeType = domain.TradeType(tradeType)
	t.Status = domain.TradeStatus(status)
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Create inserts a new trade at version 1. A partial unique index on
// (user_id, signal_id) over live statuses rejects a second concurrent
// trade for the same signal; that surfaces as ErrAlreadyExists.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, user_id, signal_id, exchange, exchange_order_id,
			symbol, side, trade_type, quantity, notional_usd,
			executed_qty, executed_price, fee_amount, fee_currency, leverage,
			status, version, error_msg, created_at, executed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, 1, $17, $18, $19
		)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.SignalID, string(t.Exchange), t.ExchangeOrderID,
		t.Symbol, string(t.Side), string(t.TradeType), t.Quantity, t.NotionalUSD,
		t.ExecutedQty, t.ExecutedPrice, t.FeeAmount, t.FeeCurrency, t.Leverage,
		string(t.Status), t.ErrorMsg, t.CreatedAt, t.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

// Update writes the trade only if the stored row still carries
// t.Version, bumping the version on success. A stale write returns
// domain.ErrVersionConflict.
func (s *TradeStore) Update(ctx context.Context, t domain.Trade) error {
	const query = `
		UPDATE trades SET
			exchange_order_id = $3,
			executed_qty      = $4,
			executed_price    = $5,
			fee_amount        = $6,
			fee_currency      = $7,
			status            = $8,
			error_msg         = $9,
			executed_at       = $10,
			version           = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Version, t.ExchangeOrderID,
		t.ExecutedQty, t.ExecutedPrice, t.FeeAmount, t.FeeCurrency,
		string(t.Status), t.ErrorMsg, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// GetByID retrieves a single trade by its ID.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)

	t, err := scanTradeRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// GetBySignalAndUser returns the user's live trade for one signal, or
// domain.ErrNotFound. Failed and cancelled attempts do not count; they
// may be retried. The executor gates on it so a redelivered queue
// entry never places a second order.
func (s *TradeStore) GetBySignalAndUser(ctx context.Context, signalID string, userID int64) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE signal_id = $1 AND user_id = $2
		   AND status NOT IN ('FAILED','CANCELLED')
		 ORDER BY created_at DESC
		 LIMIT 1`, signalID, userID)

	t, err := scanTradeRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade for signal %s user %d: %w", signalID, userID, err)
	}
	return t, nil
}

// ListBySignal returns every trade spawned by one signal.
func (s *TradeStore) ListBySignal(ctx context.Context, signalID string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE signal_id = $1 ORDER BY created_at ASC`, signalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by signal: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by signal: %w", err)
	}
	return trades, nil
}

// ListByUser returns a user's trades with pagination and optional time
// filtering, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by user: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by user: %w", err)
	}
	return trades, nil
}

// ListNeedsReconciliation returns trades awaiting reconciler
// adjudication, oldest first.
func (s *TradeStore) ListNeedsReconciliation(ctx context.Context, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE status = 'NEEDS_RECONCILIATION'
		 ORDER BY created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reconciliation trades: %w", err)
	}
	return trades, nil
}

// MarkStuckExecuting parks EXECUTING trades older than cutoff as
// NEEDS_RECONCILIATION and returns how many rows moved. The order may
// or may not be live on the venue; the reconciler finds out.
func (s *TradeStore) MarkStuckExecuting(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const query = `
		UPDATE trades SET
			status    = 'NEEDS_RECONCILIATION',
			error_msg = 'abandoned mid-execution',
			version   = version + 1
		WHERE id IN (
			SELECT id FROM trades
			WHERE status = 'EXECUTING' AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)`

	tag, err := s.pool.Exec(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark stuck executing trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelStalePending cancels PENDING trades older than cutoff and
// returns how many rows moved. The executor writes EXECUTING before
// any order leaves the process, so a stale PENDING row never reached
// the venue and is safe to cancel outright.
func (s *TradeStore) CancelStalePending(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const query = `
		UPDATE trades SET
			status    = 'CANCELLED',
			error_msg = 'abandoned before execution',
			version   = version + 1
		WHERE id IN (
			SELECT id FROM trades
			WHERE status = 'PENDING' AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)`

	tag, err := s.pool.Exec(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel stale pending trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTerminalBefore returns finished trades older than cutoff for cold
// archival.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	const query = `
		SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status IN ('FILLED','PARTIALLY_FILLED','CANCELLED','FAILED') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal trades: %w", err)
	}
	return trades, nil
}

// DeleteBatch removes trades by ID after they have been archived.
func (s *TradeStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete trade batch: %w", err)
	}
	return nil
}
