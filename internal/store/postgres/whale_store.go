package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// WhaleStore implements domain.WhaleStore using PostgreSQL.
type WhaleStore struct {
	pool *pgxpool.Pool
}

// NewWhaleStore creates a new WhaleStore backed by the given connection pool.
func NewWhaleStore(pool *pgxpool.Pool) *WhaleStore {
	return &WhaleStore{pool: pool}
}

const whaleSelectCols = `id, display_name, whale_type, exchange, exchange_uid,
	chain, address, data_status, consecutive_empty_checks,
	last_position_check, last_position_found, sharing_disabled_at, sharing_recheck_at,
	priority_score, polling_interval_seconds, is_active, created_at, updated_at`

func scanWhaleRow(row pgx.Row) (domain.Whale, error) {
	var w domain.Whale
	var whaleType, exchange, dataStatus string

	err := row.Scan(
		&w.ID, &w.DisplayName, &whaleType, &exchange, &w.ExchangeUID,
		&w.Chain, &w.Address, &dataStatus, &w.ConsecutiveEmptyChecks,
		&w.LastPositionCheck, &w.LastPositionFound, &w.SharingDisabledAt, &w.SharingRecheckAt,
		&w.PriorityScore, &w.PollingIntervalSeconds, &w.IsActive, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.Whale{}, err
	}
	w.WhaleType = domain.WhaleType(whaleType)
	w.Exchange = domain.Exchange(exchange)
	w.DataStatus = domain.DataStatus(dataStatus)
	return w, nil
}

func scanWhaleRows(rows pgx.Rows) ([]domain.Whale, error) {
	var whales []domain.Whale
	for rows.Next() {
		w, err := scanWhaleRow(rows)
		if err != nil {
			return nil, err
		}
		whales = append(whales, w)
	}
	return whales, rows.Err()
}

// Create inserts a new whale and returns its generated ID.
func (s *WhaleStore) Create(ctx context.Context, w domain.Whale) (int64, error) {
	const query = `
		INSERT INTO whales (
			display_name, whale_type, exchange, exchange_uid,
			chain, address, data_status, consecutive_empty_checks,
			last_position_check, last_position_found, sharing_disabled_at, sharing_recheck_at,
			priority_score, polling_interval_seconds, is_active
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		w.DisplayName, string(w.WhaleType), string(w.Exchange), w.ExchangeUID,
		w.Chain, w.Address, string(w.DataStatus), w.ConsecutiveEmptyChecks,
		w.LastPositionCheck, w.LastPositionFound, w.SharingDisabledAt, w.SharingRecheckAt,
		w.PriorityScore, w.PollingIntervalSeconds, w.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create whale %q: %w", w.DisplayName, err)
	}
	return id, nil
}

// Update replaces all mutable fields of a whale.
func (s *WhaleStore) Update(ctx context.Context, w domain.Whale) error {
	const query = `
		UPDATE whales SET
			display_name             = $2,
			whale_type               = $3,
			exchange                 = $4,
			exchange_uid             = $5,
			chain                    = $6,
			address                  = $7,
			data_status              = $8,
			consecutive_empty_checks = $9,
			last_position_check      = $10,
			last_position_found      = $11,
			sharing_disabled_at      = $12,
			sharing_recheck_at       = $13,
			priority_score           = $14,
			polling_interval_seconds = $15,
			is_active                = $16,
			updated_at               = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		w.ID, w.DisplayName, string(w.WhaleType), string(w.Exchange), w.ExchangeUID,
		w.Chain, w.Address, string(w.DataStatus), w.ConsecutiveEmptyChecks,
		w.LastPositionCheck, w.LastPositionFound, w.SharingDisabledAt, w.SharingRecheckAt,
		w.PriorityScore, w.PollingIntervalSeconds, w.IsActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: update whale %d: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single whale by its ID.
func (s *WhaleStore) GetByID(ctx context.Context, id int64) (domain.Whale, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+whaleSelectCols+` FROM whales WHERE id = $1`, id)

	w, err := scanWhaleRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Whale{}, domain.ErrNotFound
		}
		return domain.Whale{}, fmt.Errorf("postgres: get whale %d: %w", id, err)
	}
	return w, nil
}

// ListPollDue returns active whales whose own polling interval has
// elapsed and that are either observable or due for revalidation,
// ordered by priority score descending, least recently checked first.
// Never-checked whales sort ahead of everything at equal priority.
func (s *WhaleStore) ListPollDue(ctx context.Context, now time.Time, limit int) ([]domain.Whale, error) {
	const query = `
		SELECT ` + whaleSelectCols + ` FROM whales
		WHERE is_active
		  AND (data_status = 'ACTIVE'
		       OR (sharing_recheck_at IS NOT NULL AND sharing_recheck_at <= $1))
		  AND (last_position_check IS NULL
		       OR last_position_check + make_interval(secs => polling_interval_seconds) <= $1)
		ORDER BY priority_score DESC, last_position_check ASC NULLS FIRST
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list poll-due whales: %w", err)
	}
	defer rows.Close()

	whales, err := scanWhaleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan poll-due whales: %w", err)
	}
	return whales, nil
}

// ListByStatus returns whales in the given data status with pagination.
func (s *WhaleStore) ListByStatus(ctx context.Context, status domain.DataStatus, opts domain.ListOpts) ([]domain.Whale, error) {
	query := `SELECT ` + whaleSelectCols + ` FROM whales WHERE data_status = $1 ORDER BY priority_score DESC`
	args := []any{string(status)}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list whales by status: %w", err)
	}
	defer rows.Close()

	whales, err := scanWhaleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan whales by status: %w", err)
	}
	return whales, nil
}

// List returns all whales with pagination.
func (s *WhaleStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Whale, error) {
	query := `SELECT ` + whaleSelectCols + ` FROM whales ORDER BY priority_score DESC, id ASC`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list whales: %w", err)
	}
	defer rows.Close()

	whales, err := scanWhaleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan whales: %w", err)
	}
	return whales, nil
}

// Count returns the total number of whales.
func (s *WhaleStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM whales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count whales: %w", err)
	}
	return n, nil
}
