package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/habitflow/xpengine/internal/domain"
)

var _ domain.KVStore = (*DB)(nil)

// ─── KV Schema ──────────────────────────────────────────────────────────────

// KVMigrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func KVMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// ─── KV Operations ──────────────────────────────────────────────────────────

// Get returns the value stored under key.
func (db *DB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := db.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set inserts or replaces the value stored under key.
func (db *DB) Set(ctx context.Context, key string, value []byte) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, version, updated_at)
		VALUES (?, ?, 1, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			version    = kv_entries.version + 1,
			updated_at = datetime('now')
	`, key, value)
	return err
}

// Delete removes key.
func (db *DB) Delete(ctx context.Context, key string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}

// Keys lists stored keys in lexical order.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT key FROM kv_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Version returns how many times key has been written (0 if absent).
func (db *DB) Version(ctx context.Context, key string) (int64, error) {
	var v int64
	err := db.db.QueryRowContext(ctx, `SELECT version FROM kv_entries WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
