// Package statsdb is a sqlite-backed journal of recorded upstream calls.
// It lets the stats aggregator rebuild its windows after a restart.
package statsdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// sqlite driver
	_ "modernc.org/sqlite"

	"github.com/denizumutdereli/vertexrelay/pkg/stats"
)

// DB wraps the journal database.
type DB struct {
	*sql.DB
	path string
}

var _ stats.Journal = (*DB)(nil)

// Open opens (creating if needed) the journal at path. Use ":memory:" in tests.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}
	if err := db.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS relay_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_relay_calls_at ON relay_calls(at_ms);`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

// Append implements stats.Journal.
func (db *DB) Append(ctx context.Context, at time.Time, tokens int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO relay_calls (at_ms, tokens) VALUES (?, ?)`,
		at.UnixMilli(), tokens)
	if err != nil {
		return fmt.Errorf("failed to append call: %w", err)
	}
	return nil
}

// Since implements stats.Journal. Rows are ordered by time.
func (db *DB) Since(ctx context.Context, after time.Time) ([]stats.Row, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT at_ms, tokens FROM relay_calls WHERE at_ms > ? ORDER BY at_ms, id`,
		after.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []stats.Row
	for rows.Next() {
		var (
			ms     int64
			tokens int64
		)
		if err := rows.Scan(&ms, &tokens); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		out = append(out, stats.Row{At: time.UnixMilli(ms), Tokens: tokens})
	}
	return out, rows.Err()
}

// Prune implements stats.Journal.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM relay_calls WHERE at_ms <= ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune calls: %w", err)
	}
	return res.RowsAffected()
}

// Truncate implements stats.Journal.
func (db *DB) Truncate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM relay_calls`); err != nil {
		return fmt.Errorf("failed to truncate calls: %w", err)
	}
	return nil
}

// Count returns the number of journaled calls.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_calls`).Scan(&n)
	return n, err
}
