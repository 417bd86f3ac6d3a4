package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

type fakeWriter struct {
	puts map[string]string
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = make(map[string]string)
	}
	f.puts[path] = string(b)
	return nil
}

func (f *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return f.Put(ctx, path, data, "")
}

type fakeSignalArchive struct {
	domain.SignalStore
	remaining []domain.Signal
	deleted   []string
}

func (f *fakeSignalArchive) ListTerminalBefore(_ context.Context, _ time.Time, limit int) ([]domain.Signal, error) {
	if len(f.remaining) > limit {
		return f.remaining[:limit], nil
	}
	return f.remaining, nil
}

func (f *fakeSignalArchive) DeleteBatch(_ context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	f.remaining = f.remaining[len(ids):]
	return nil
}

func TestArchiveSignalsBatchesUploadThenDelete(t *testing.T) {
	signals := make([]domain.Signal, 7)
	for i := range signals {
		signals[i] = domain.Signal{ID: string(rune('a' + i)), Status: domain.SignalStatusProcessed}
	}
	store := &fakeSignalArchive{remaining: signals}
	writer := &fakeWriter{}

	a := NewArchiver(writer, store, nil, nil, nil)
	a.batchSize = 3
	passes := 0
	a.now = func() time.Time {
		passes++
		return time.Date(2026, 8, 26, 3, 15, passes, 0, time.UTC)
	}

	before := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveSignals(context.Background(), before)
	require.NoError(t, err)

	assert.Equal(t, int64(7), n)
	assert.Len(t, store.deleted, 7)
	assert.Empty(t, store.remaining)

	// Three batches, each under its own timestamped key in the cutoff
	// month partition.
	require.Len(t, writer.puts, 3)
	lines := 0
	for path, body := range writer.puts {
		assert.True(t, strings.HasPrefix(path, "archive/signals/2026-07/"), path)
		lines += strings.Count(body, "\n")
	}
	assert.Equal(t, 7, lines)
}

func TestArchiveSignalsEmptyIsNoop(t *testing.T) {
	writer := &fakeWriter{}
	a := NewArchiver(writer, &fakeSignalArchive{}, nil, nil, nil)

	n, err := a.ArchiveSignals(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.puts)
}
