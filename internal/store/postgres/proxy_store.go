package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// ProxyStore implements domain.ProxyStore using PostgreSQL. The
// per-exchange cool-down map is stored as JSONB.
type ProxyStore struct {
	pool *pgxpool.Pool
}

// NewProxyStore creates a new ProxyStore backed by the given connection pool.
func NewProxyStore(pool *pgxpool.Pool) *ProxyStore {
	return &ProxyStore{pool: pool}
}

const proxySelectCols = `id, url, label, status, is_active, cooldown_until, global_cooldown_until,
	success_count, failure_count, rate_limit_count, consecutive_rl, consecutive_fail,
	last_used_at, last_success_at, banned_at, created_at, updated_at`

func scanProxyRow(row pgx.Row) (domain.Proxy, error) {
	var p domain.Proxy
	var status string
	var cooldownJSON []byte

	err := row.Scan(
		&p.ID, &p.URL, &p.Label, &status, &p.IsActive, &cooldownJSON, &p.GlobalCooldownUntil,
		&p.SuccessCount, &p.FailureCount, &p.RateLimitCount, &p.ConsecutiveRL, &p.ConsecutiveFail,
		&p.LastUsedAt, &p.LastSuccessAt, &p.BannedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Proxy{}, err
	}
	p.Status = domain.ProxyStatus(status)
	if cooldownJSON != nil {
		if err := json.Unmarshal(cooldownJSON, &p.CooldownUntil); err != nil {
			return domain.Proxy{}, fmt.Errorf("unmarshal cooldown map: %w", err)
		}
	}
	return p, nil
}

// Create inserts a new proxy and returns its assigned ID.
func (s *ProxyStore) Create(ctx context.Context, p domain.Proxy) (int64, error) {
	cooldownJSON, err := json.Marshal(p.CooldownUntil)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal cooldown map: %w", err)
	}

	const query = `
		INSERT INTO proxies (
			url, label, status, is_active, cooldown_until, global_cooldown_until,
			success_count, failure_count, rate_limit_count, consecutive_rl, consecutive_fail,
			last_used_at, last_success_at, banned_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		)
		RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		p.URL, p.Label, string(p.Status), p.IsActive, cooldownJSON, p.GlobalCooldownUntil,
		p.SuccessCount, p.FailureCount, p.RateLimitCount, p.ConsecutiveRL, p.ConsecutiveFail,
		p.LastUsedAt, p.LastSuccessAt, p.BannedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("postgres: create proxy: %w", err)
	}
	return id, nil
}

// Update replaces all mutable fields of a proxy.
func (s *ProxyStore) Update(ctx context.Context, p domain.Proxy) error {
	cooldownJSON, err := json.Marshal(p.CooldownUntil)
	if err != nil {
		return fmt.Errorf("postgres: marshal cooldown map: %w", err)
	}

	const query = `
		UPDATE proxies SET
			url                   = $2,
			label                 = $3,
			status                = $4,
			is_active             = $5,
			cooldown_until        = $6,
			global_cooldown_until = $7,
			success_count         = $8,
			failure_count         = $9,
			rate_limit_count      = $10,
			consecutive_rl        = $11,
			consecutive_fail      = $12,
			last_used_at          = $13,
			last_success_at       = $14,
			banned_at             = $15,
			updated_at            = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.URL, p.Label, string(p.Status), p.IsActive, cooldownJSON, p.GlobalCooldownUntil,
		p.SuccessCount, p.FailureCount, p.RateLimitCount, p.ConsecutiveRL, p.ConsecutiveFail,
		p.LastUsedAt, p.LastSuccessAt, p.BannedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update proxy %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single proxy by its ID.
func (s *ProxyStore) GetByID(ctx context.Context, id int64) (domain.Proxy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+proxySelectCols+` FROM proxies WHERE id = $1`, id)

	p, err := scanProxyRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Proxy{}, domain.ErrNotFound
		}
		return domain.Proxy{}, fmt.Errorf("postgres: get proxy %d: %w", id, err)
	}
	return p, nil
}

// List returns the full proxy inventory.
func (s *ProxyStore) List(ctx context.Context) ([]domain.Proxy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proxySelectCols+` FROM proxies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []domain.Proxy
	for rows.Next() {
		p, err := scanProxyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list proxies rows: %w", err)
	}
	return proxies, nil
}
