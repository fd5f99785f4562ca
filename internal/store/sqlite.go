package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_records (
    tbl        TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tbl, key)
);
CREATE TABLE IF NOT EXISTS kv_counters (
    tbl   TEXT NOT NULL,
    key   TEXT NOT NULL,
    value INTEGER NOT NULL,
    PRIMARY KEY (tbl, key)
);
`

// SQLiteKV is the embedded backend. modernc.org/sqlite needs no cgo, so the
// binary stays a single static artifact.
type SQLiteKV struct {
	db *sql.DB
}

func NewSQLiteKV(path string) (*SQLiteKV, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_records WHERE tbl = ? AND key = ?`, table, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteKV) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_records (tbl, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		table, key, value)
	return err
}

func (s *SQLiteKV) Delete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = ? AND key = ?`, table, key)
	return err
}

func (s *SQLiteKV) All(ctx context.Context, table string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_records WHERE tbl = ?`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLiteKV) Incr(ctx context.Context, table, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO kv_counters (tbl, key, value) VALUES (?, ?, 1)
ON CONFLICT (tbl, key) DO UPDATE SET value = kv_counters.value + 1
RETURNING value`, table, key).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *SQLiteKV) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = ?`, table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_counters WHERE tbl = ?`, table)
	return err
}

func (s *SQLiteKV) Close() error { return s.db.Close() }
