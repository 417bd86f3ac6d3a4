package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userSelectCols = `id, name, is_active, daily_loss_limit_usdt, max_open_positions,
	created_at, updated_at`

func scanUserRow(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Name, &u.IsActive, &u.DailyLossLimitUSDT, &u.MaxOpenPositions,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// GetByID retrieves a single user by ID.
func (s *UserStore) GetByID(ctx context.Context, id int64) (domain.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE id = $1`, id)

	u, err := scanUserRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %d: %w", id, err)
	}
	return u, nil
}

// ListActive returns every active user.
func (s *UserStore) ListActive(ctx context.Context) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active users: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Credential returns the stored API credential for a user on one venue.
// Secret material comes back still encrypted.
func (s *UserStore) Credential(ctx context.Context, userID int64, exchange domain.Exchange) (domain.APICredential, error) {
	const query = `
		SELECT user_id, exchange, api_key, api_secret, passphrase, updated_at
		FROM api_credentials
		WHERE user_id = $1 AND exchange = $2`

	var c domain.APICredential
	var ex string
	err := s.pool.QueryRow(ctx, query, userID, string(exchange)).Scan(
		&c.UserID, &ex, &c.Key, &c.Secret, &c.Passphrase, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.APICredential{}, domain.ErrNotFound
		}
		return domain.APICredential{}, fmt.Errorf("postgres: get credential user=%d exchange=%s: %w", userID, exchange, err)
	}
	c.Exchange = domain.Exchange(ex)
	return c, nil
}

// UpsertCredential inserts or replaces the credential for (user, exchange).
func (s *UserStore) UpsertCredential(ctx context.Context, cred domain.APICredential) error {
	const query = `
		INSERT INTO api_credentials (user_id, exchange, api_key, api_secret, passphrase, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			api_key    = EXCLUDED.api_key,
			api_secret = EXCLUDED.api_secret,
			passphrase = EXCLUDED.passphrase,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		cred.UserID, string(cred.Exchange), cred.Key, cred.Secret, cred.Passphrase,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert credential user=%d exchange=%s: %w", cred.UserID, cred.Exchange, err)
	}
	return nil
}
