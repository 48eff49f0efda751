package statsdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denizumutdereli/vertexrelay/pkg/stats"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendSincePrune(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.Append(ctx, base.Add(-2*time.Hour), 1))
	require.NoError(t, db.Append(ctx, base.Add(-time.Minute), 2))
	require.NoError(t, db.Append(ctx, base, 3))

	rows, err := db.Since(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].Tokens)
	assert.True(t, rows[1].At.Equal(base))

	n, err := db.Prune(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.Append(ctx, base, 3))
	require.NoError(t, db.Truncate(ctx))

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAggregatorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	db, err := Open(path)
	require.NoError(t, err)
	agg := stats.New(stats.Options{Journal: db})
	agg.Record(base.Add(-5*time.Minute), 7)
	agg.Record(base, 3)
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	restored := stats.New(stats.Options{Journal: reopened})
	n, err := restored.Replay(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), restored.CallsLast(base, stats.Hour))
	assert.Equal(t, int64(10), restored.TokensLast(base, stats.Hour))
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.Append(context.Background(), base, 1))
}
