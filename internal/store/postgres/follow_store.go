package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// FollowStore implements domain.FollowStore using PostgreSQL.
type FollowStore struct {
	pool *pgxpool.Pool
}

// NewFollowStore creates a new FollowStore backed by the given connection pool.
func NewFollowStore(pool *pgxpool.Pool) *FollowStore {
	return &FollowStore{pool: pool}
}

const followSelectCols = `f.id, f.user_id, f.whale_id, f.auto_copy, f.sizing_strategy,
	f.copy_trade_size_usdt, f.trade_size_percent, f.max_leverage, f.exchange,
	f.created_at, f.updated_at`

func scanFollowRow(row pgx.Row) (domain.WhaleFollow, error) {
	var f domain.WhaleFollow
	var sizing, exchange string

	err := row.Scan(
		&f.ID, &f.UserID, &f.WhaleID, &f.AutoCopy, &sizing,
		&f.CopyTradeSizeUSDT, &f.TradeSizePercent, &f.MaxLeverage, &exchange,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return domain.WhaleFollow{}, err
	}
	f.SizingStrategy = domain.SizingStrategy(sizing)
	f.Exchange = domain.Exchange(exchange)
	return f, nil
}

func scanFollowRows(rows pgx.Rows) ([]domain.WhaleFollow, error) {
	var follows []domain.WhaleFollow
	for rows.Next() {
		f, err := scanFollowRow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// Create inserts a new follow and returns its generated ID. A user can
// follow a given whale at most once.
func (s *FollowStore) Create(ctx context.Context, f domain.WhaleFollow) (int64, error) {
	const query = `
		INSERT INTO whale_follows (
			user_id, whale_id, auto_copy, sizing_strategy,
			copy_trade_size_usdt, trade_size_percent, max_leverage, exchange
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		f.UserID, f.WhaleID, f.AutoCopy, string(f.SizingStrategy),
		f.CopyTradeSizeUSDT, f.TradeSizePercent, f.MaxLeverage, string(f.Exchange),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("postgres: create follow user=%d whale=%d: %w", f.UserID, f.WhaleID, err)
	}
	return id, nil
}

// Update replaces all mutable fields of a follow.
func (s *FollowStore) Update(ctx context.Context, f domain.WhaleFollow) error {
	const query = `
		UPDATE whale_follows SET
			auto_copy            = $2,
			sizing_strategy      = $3,
			copy_trade_size_usdt = $4,
			trade_size_percent   = $5,
			max_leverage         = $6,
			exchange             = $7,
			updated_at           = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		f.ID, f.AutoCopy, string(f.SizingStrategy),
		f.CopyTradeSizeUSDT, f.TradeSizePercent, f.MaxLeverage, string(f.Exchange),
	)
	if err != nil {
		return fmt.Errorf("postgres: update follow %d: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a follow.
func (s *FollowStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM whale_follows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete follow %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single follow by its ID.
func (s *FollowStore) GetByID(ctx context.Context, id int64) (domain.WhaleFollow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+followSelectCols+` FROM whale_follows f WHERE f.id = $1`, id)

	f, err := scanFollowRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WhaleFollow{}, domain.ErrNotFound
		}
		return domain.WhaleFollow{}, fmt.Errorf("postgres: get follow %d: %w", id, err)
	}
	return f, nil
}

// ListCopiers returns auto-copy follows of a whale whose user is active.
func (s *FollowStore) ListCopiers(ctx context.Context, whaleID int64) ([]domain.WhaleFollow, error) {
	const query = `
		SELECT ` + followSelectCols + `
		FROM whale_follows f
		JOIN users u ON u.id = f.user_id
		WHERE f.whale_id = $1 AND f.auto_copy AND u.is_active
		ORDER BY f.id ASC`

	rows, err := s.pool.Query(ctx, query, whaleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copiers of whale %d: %w", whaleID, err)
	}
	defer rows.Close()

	follows, err := scanFollowRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan copiers of whale %d: %w", whaleID, err)
	}
	return follows, nil
}

// ListByUser returns all follows belonging to a user.
func (s *FollowStore) ListByUser(ctx context.Context, userID int64) ([]domain.WhaleFollow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+followSelectCols+` FROM whale_follows f WHERE f.user_id = $1 ORDER BY f.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follows of user %d: %w", userID, err)
	}
	defer rows.Close()

	follows, err := scanFollowRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan follows of user %d: %w", userID, err)
	}
	return follows, nil
}
