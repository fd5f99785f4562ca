package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/deckhand-ai/deckhand/config"
)

// KV is the task-store contract every backend implements: named tables of
// key->record pairs with per-key atomic upserts and an atomic counter per
// (table, key). Reads always reflect the latest committed write; there are no
// cross-table transactions.
type KV interface {
	Get(ctx context.Context, table, key string) ([]byte, bool, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
	All(ctx context.Context, table string) (map[string][]byte, error)
	// Incr atomically increments and returns the named counter, starting at 1.
	Incr(ctx context.Context, table, key string) (int64, error)
	// DropTable removes a table's records and counters.
	DropTable(ctx context.Context, table string) error
	Close() error
}

// ErrClosed is returned by backends once Close has been called.
var ErrClosed = errors.New("store: closed")

// Open builds the configured backend. An unreachable postgres falls back to
// sqlite when a sqlite path is configured, mirroring how operators run a
// single node while the database is provisioned.
func Open(cfg config.StorageConfig, logger *log.Logger) (KV, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return NewSQLiteKV(cfg.SQLite.Path)
	case "redis":
		return NewRedisKV(cfg.Redis)
	case "postgres":
		kv, err := NewPostgresKV(cfg.Postgres)
		if err == nil {
			return kv, nil
		}
		if cfg.SQLite.Path != "" {
			logger.Printf("Warning: postgres store init failed: %v, falling back to sqlite", err)
			return NewSQLiteKV(cfg.SQLite.Path)
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
