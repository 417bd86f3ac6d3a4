package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// ArchiveImpl implements domain.Archiver: it drains terminal rows older
// than the cutoff in batches, serializes each batch to JSONL, uploads
// it, and only then deletes the rows from the primary store. A failed
// upload leaves the rows in place for the next pass.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	signals   domain.SignalStore
	trades    domain.TradeStore
	positions domain.PositionStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
}

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	signals domain.SignalStore,
	trades domain.TradeStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		signals:   signals,
		trades:    trades,
		positions: positions,
		audit:     audit,
		batchSize: 500,
		now:       time.Now,
	}
}

// ArchiveSignals moves terminal signals detected before the cutoff to
// cold storage and returns how many rows were archived.
func (a *ArchiveImpl) ArchiveSignals(ctx context.Context, before time.Time) (int64, error) {
	return a.drain(ctx, "signals", before, func(ctx context.Context) ([]archiveRow, error) {
		signals, err := a.signals.ListTerminalBefore(ctx, before, a.batchSize)
		if err != nil {
			return nil, err
		}
		rows := make([]archiveRow, len(signals))
		for i, s := range signals {
			rows[i] = archiveRow{id: s.ID, record: s}
		}
		return rows, nil
	}, a.signals.DeleteBatch)
}

// ArchiveTrades moves terminal trades created before the cutoff to
// cold storage and returns how many rows were archived.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	return a.drain(ctx, "trades", before, func(ctx context.Context) ([]archiveRow, error) {
		trades, err := a.trades.ListTerminalBefore(ctx, before, a.batchSize)
		if err != nil {
			return nil, err
		}
		rows := make([]archiveRow, len(trades))
		for i, t := range trades {
			rows[i] = archiveRow{id: t.ID, record: t}
		}
		return rows, nil
	}, a.trades.DeleteBatch)
}

// ArchivePositions moves closed positions older than the cutoff to
// cold storage and returns how many rows were archived.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	return a.drain(ctx, "positions", before, func(ctx context.Context) ([]archiveRow, error) {
		positions, err := a.positions.ListClosedBefore(ctx, before, a.batchSize)
		if err != nil {
			return nil, err
		}
		rows := make([]archiveRow, len(positions))
		for i, p := range positions {
			rows[i] = archiveRow{id: p.ID, record: p}
		}
		return rows, nil
	}, a.positions.DeleteBatch)
}

// archiveRow pairs a primary key with its serializable record.
type archiveRow struct {
	id     string
	record any
}

// drain repeats fetch, upload, delete until the store stops yielding
// rows for the cutoff.
func (a *ArchiveImpl) drain(
	ctx context.Context,
	kind string,
	before time.Time,
	fetch func(ctx context.Context) ([]archiveRow, error),
	deleteBatch func(ctx context.Context, ids []string) error,
) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rows, err := fetch(ctx)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		path := a.archivePath(kind, before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}

		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.id
		}
		if err := deleteBatch(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: archive %s delete: %w", kind, err)
		}
		total += int64(len(rows))

		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
				"path":   path,
				"count":  len(rows),
				"before": before.Format(time.RFC3339),
			}); err != nil {
				return total, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
			}
		}

		if len(rows) < a.batchSize {
			return total, nil
		}
	}
}

// archivePath builds the S3 key for one archive batch, partitioned by
// the cutoff month with a per-pass timestamp so repeated passes never
// overwrite each other.
//
//	archive/trades/2025-08/20250826T031500.jsonl
func (a *ArchiveImpl) archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, before.Format("2006-01"), a.now().UTC().Format("20060102T150405"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL(rows []archiveRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range rows {
		if err := enc.Encode(r.record); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
