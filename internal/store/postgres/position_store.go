package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, whale_id, trade_id, exchange,
	symbol, side, trade_type, quantity, remaining_qty,
	entry_price, exit_price, leverage,
	stop_loss_price, stop_loss_order_id, take_profit_price, take_profit_order_id,
	unrealized_pnl, realized_pnl, fees_usd,
	status, close_reason, version, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var exchange, side, tradeType, status, closeReason string

	err := row.Scan(
		&p.ID, &p.UserID, &p.WhaleID, &p.TradeID, &exchange,
		&p.Symbol, &side, &tradeType, &p.Quantity, &p.RemainingQty,
		&p.EntryPrice, &p.ExitPrice, &p.Leverage,
		&p.StopLossPrice, &p.StopLossOrderID, &p.TakeProfitPrice, &p.TakeProfitOrderID,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.FeesUSD,
		&status, &closeReason, &p.Version, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Exchange = domain.Exchange(exchange)
	p.Side = domain.TradeSide(side)
	p.TradeType = domain.TradeType(tradeType)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position at version 1.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, user_id, whale_id, trade_id, exchange,
			symbol, side, trade_type, quantity, remaining_qty,
			entry_price, exit_price, leverage,
			stop_loss_price, stop_loss_order_id, take_profit_price, take_profit_order_id,
			unrealized_pnl, realized_pnl, fees_usd,
			status, close_reason, version, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, 1, $23, $24
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.WhaleID, p.TradeID, string(p.Exchange),
		p.Symbol, string(p.Side), string(p.TradeType), p.Quantity, p.RemainingQty,
		p.EntryPrice, p.ExitPrice, p.Leverage,
		p.StopLossPrice, p.StopLossOrderID, p.TakeProfitPrice, p.TakeProfitOrderID,
		p.UnrealizedPnL, p.RealizedPnL, p.FeesUSD,
		string(p.Status), string(p.CloseReason), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update writes the position only if the stored row still carries
// p.Version, bumping the version on success. A stale write returns
// domain.ErrVersionConflict.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			remaining_qty        = $3,
			exit_price           = $4,
			stop_loss_price      = $5,
			stop_loss_order_id   = $6,
			take_profit_price    = $7,
			take_profit_order_id = $8,
			unrealized_pnl       = $9,
			realized_pnl         = $10,
			fees_usd             = $11,
			status               = $12,
			close_reason         = $13,
			closed_at            = $14,
			version              = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Version, p.RemainingQty, p.ExitPrice,
		p.StopLossPrice, p.StopLossOrderID, p.TakeProfitPrice, p.TakeProfitOrderID,
		p.UnrealizedPnL, p.RealizedPnL, p.FeesUSD,
		string(p.Status), string(p.CloseReason), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FindOpen returns the user's open position mirroring the given whale's
// exposure on symbol, or ErrNotFound.
func (s *PositionStore) FindOpen(ctx context.Context, userID, whaleID int64, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND whale_id = $2 AND symbol = $3 AND status = 'OPEN'
		 ORDER BY opened_at DESC
		 LIMIT 1`, userID, whaleID, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find open position: %w", err)
	}
	return p, nil
}

// ListOpenByUser returns all open positions for the given user.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND status = 'OPEN'
		 ORDER BY opened_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// CountOpenByUser returns how many positions the user currently holds open.
func (s *PositionStore) CountOpenByUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = 'OPEN'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}

// SumRealizedPnLSince returns the user's total realized P&L net of fees
// across positions closed at or after since. Used for the daily loss
// limit check.
func (s *PositionStore) SumRealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl - fees_usd), 0) FROM positions
		 WHERE user_id = $1 AND closed_at IS NOT NULL AND closed_at >= $2`,
		userID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum, nil
}

// ListHistory returns positions for the given user with pagination and
// optional time filtering, newest first.
func (s *PositionStore) ListHistory(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns terminal positions older than cutoff for
// cold archival, oldest first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	const query = `
		SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('CLOSED','LIQUIDATED') AND closed_at < $1
		ORDER BY closed_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteBatch removes positions by ID after they have been archived.
func (s *PositionStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete position batch: %w", err)
	}
	return nil
}
