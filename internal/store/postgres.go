package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/deckhand-ai/deckhand/config"
)

// PostgresKV is the shared-database backend. Schema is owned by the
// migrations under migrations/; EnsureSchema exists so tests and fresh
// single-node deployments work without running the migrate command first.
type PostgresKV struct {
	db *sql.DB
}

func NewPostgresKV(cfg config.PostgresConfig) (*PostgresKV, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	kv := &PostgresKV{db: db}
	if err := kv.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kv, nil
}

// EnsureSchema creates the two tables if migrations have not run yet.
func (p *PostgresKV) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kv_records (
    tbl        TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tbl, key)
);
CREATE TABLE IF NOT EXISTS kv_counters (
    tbl   TEXT NOT NULL,
    key   TEXT NOT NULL,
    value BIGINT NOT NULL,
    PRIMARY KEY (tbl, key)
);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_records WHERE tbl = $1 AND key = $2`, table, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *PostgresKV) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO kv_records (tbl, key, value, updated_at) VALUES ($1, $2, $3, NOW())
ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		table, key, value)
	return err
}

func (p *PostgresKV) Delete(ctx context.Context, table, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = $1 AND key = $2`, table, key)
	return err
}

func (p *PostgresKV) All(ctx context.Context, table string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM kv_records WHERE tbl = $1`, table)
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

func (p *PostgresKV) Incr(ctx context.Context, table, key string) (int64, error) {
	var value int64
	err := p.db.QueryRowContext(ctx, `
INSERT INTO kv_counters (tbl, key, value) VALUES ($1, $2, 1)
ON CONFLICT (tbl, key) DO UPDATE SET value = kv_counters.value + 1
RETURNING value`, table, key).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (p *PostgresKV) DropTable(ctx context.Context, table string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = $1`, table); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_counters WHERE tbl = $1`, table)
	return err
}

func (p *PostgresKV) Close() error { return p.db.Close() }
