package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, whale_id, tx_hash, source, action, side, trade_type,
	symbol, entry_price, amount_usd, confidence, is_close,
	status, priority, retry_count, error_msg, detected_at, processed_at`

func scanSignalRow(row pgx.Row) (domain.Signal, error) {
	var sig domain.Signal
	var source, action, side, tradeType, confidence, status, priority string

	err := row.Scan(
		&sig.ID, &sig.WhaleID, &sig.TxHash, &source, &action, &side, &tradeType,
		&sig.Symbol, &sig.EntryPrice, &sig.AmountUSD, &confidence, &sig.IsClose,
		&status, &priority, &sig.RetryCount, &sig.ErrorMsg, &sig.DetectedAt, &sig.ProcessedAt,
	)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.Source = domain.SignalSource(source)
	sig.Action = domain.SignalAction(action)
	sig.Side = domain.TradeSide(side)
	sig.TradeType = domain.TradeType(tradeType)
	sig.Confidence = domain.SignalConfidence(confidence)
	sig.Status = domain.SignalStatus(status)
	sig.Priority = domain.SignalPriority(priority)
	return sig, nil
}

func scanSignalRows(rows pgx.Rows) ([]domain.Signal, error) {
	var signals []domain.Signal
	for rows.Next() {
		sig, err := scanSignalRow(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// Create inserts a new signal.
func (s *SignalStore) Create(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (
			id, whale_id, tx_hash, source, action, side, trade_type,
			symbol, entry_price, amount_usd, confidence, is_close,
			status, priority, retry_count, error_msg, detected_at, processed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.WhaleID, sig.TxHash, string(sig.Source), string(sig.Action),
		string(sig.Side), string(sig.TradeType),
		sig.Symbol, sig.EntryPrice, sig.AmountUSD, string(sig.Confidence), sig.IsClose,
		string(sig.Status), string(sig.Priority), sig.RetryCount, sig.ErrorMsg,
		sig.DetectedAt, sig.ProcessedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create signal %s: %w", sig.ID, err)
	}
	return nil
}

// GetByID retrieves a single signal by its ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signalSelectCols+` FROM signals WHERE id = $1`, id)

	sig, err := scanSignalRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	return sig, nil
}

// ExistsByTxHash reports whether any signal already carries this
// transaction hash. Empty hashes never match.
func (s *SignalStore) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	if txHash == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM signals WHERE tx_hash = $1)`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check signal tx_hash: %w", err)
	}
	return exists, nil
}

// UpdateStatus moves a signal from one status to another atomically. A
// write that finds the signal no longer in the expected status returns
// domain.ErrVersionConflict, which is how terminal states stay immutable.
func (s *SignalStore) UpdateStatus(ctx context.Context, id string, from, to domain.SignalStatus, errMsg string) error {
	const query = `
		UPDATE signals SET
			status       = $3,
			error_msg    = $4,
			retry_count  = CASE WHEN $2 = 'PROCESSING' AND $3 = 'PENDING' THEN retry_count + 1 ELSE retry_count END,
			processed_at = CASE WHEN $3 IN ('PROCESSED','FAILED','EXPIRED') THEN NOW() ELSE processed_at END,
			updated_at   = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to), errMsg)
	if err != nil {
		return fmt.Errorf("postgres: update signal %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// ListByStatus returns signals in the given status, oldest first.
func (s *SignalStore) ListByStatus(ctx context.Context, status domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND detected_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND detected_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY detected_at ASC"

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
		return nil, fmt.Errorf("postgres: list signals by status: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals by status: %w", err)
	}
	return signals, nil
}

// ListByWhale returns signals emitted for a whale, newest first.
func (s *SignalStore) ListByWhale(ctx context.Context, whaleID int64, opts domain.ListOpts) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals WHERE whale_id = $1 ORDER BY detected_at DESC`
	args := []any{whaleID}
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
		return nil, fmt.Errorf("postgres: list signals by whale: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals by whale: %w", err)
	}
	return signals, nil
}

// RequeueStuck recovers PROCESSING signals whose last touch predates
// cutoff: those under the retry ceiling go back to PENDING with the
// counter bumped, the rest become FAILED. SKIP LOCKED keeps concurrent
// janitors from fighting over the same rows.
func (s *SignalStore) RequeueStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	const query = `
		UPDATE signals SET
			status       = CASE WHEN retry_count >= $3 THEN 'FAILED' ELSE 'PENDING' END,
			retry_count  = CASE WHEN retry_count >= $3 THEN retry_count ELSE retry_count + 1 END,
			error_msg    = CASE WHEN retry_count >= $3 THEN 'processing retries exhausted' ELSE error_msg END,
			processed_at = CASE WHEN retry_count >= $3 THEN NOW() ELSE processed_at END,
			updated_at   = NOW()
		WHERE id IN (
			SELECT id FROM signals
			WHERE status = 'PROCESSING' AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + signalSelectCols

	rows, err := s.pool.Query(ctx, query, cutoff, limit, domain.MaxSignalRetries)
	if err != nil {
		return nil, fmt.Errorf("postgres: requeue stuck signals: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan requeued signals: %w", err)
	}
	return signals, nil
}

// ExpireOlder marks PENDING signals detected before cutoff EXPIRED and
// returns the number of rows changed.
func (s *SignalStore) ExpireOlder(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE signals SET
			status       = 'EXPIRED',
			processed_at = NOW(),
			updated_at   = NOW()
		WHERE status = 'PENDING' AND detected_at < $1`

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTerminalBefore returns finished signals older than cutoff for
// cold archival.
func (s *SignalStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Signal, error) {
	const query = `
		SELECT ` + signalSelectCols + ` FROM signals
		WHERE status IN ('PROCESSED','FAILED','EXPIRED') AND detected_at < $1
		ORDER BY detected_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal signals: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal signals: %w", err)
	}
	return signals, nil
}

// DeleteBatch removes signals by ID after they have been archived.
func (s *SignalStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM signals WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete signal batch: %w", err)
	}
	return nil
}
