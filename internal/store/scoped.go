package store

import "context"

// scopedKV prefixes every table name so concurrent runs never see each
// other's rows. The store has no table-level locking, so per-run isolation is
// the required partitioning strategy, not an optimization.
type scopedKV struct {
	kv     KV
	prefix string
}

// Scoped returns a view of kv with every table name prefixed.
func Scoped(kv KV, prefix string) KV {
	if prefix == "" {
		return kv
	}
	return &scopedKV{kv: kv, prefix: prefix + ":"}
}

// RunPrefix is the table prefix for one pipeline run.
func RunPrefix(runID string) string { return "run:" + runID }

func (s *scopedKV) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	return s.kv.Get(ctx, s.prefix+table, key)
}

func (s *scopedKV) Put(ctx context.Context, table, key string, value []byte) error {
	return s.kv.Put(ctx, s.prefix+table, key, value)
}

func (s *scopedKV) Delete(ctx context.Context, table, key string) error {
	return s.kv.Delete(ctx, s.prefix+table, key)
}

func (s *scopedKV) All(ctx context.Context, table string) (map[string][]byte, error) {
	return s.kv.All(ctx, s.prefix+table)
}

func (s *scopedKV) Incr(ctx context.Context, table, key string) (int64, error) {
	return s.kv.Incr(ctx, s.prefix+table, key)
}

func (s *scopedKV) DropTable(ctx context.Context, table string) error {
	return s.kv.DropTable(ctx, s.prefix+table)
}

// Close is a no-op; the underlying store outlives any single run scope.
func (s *scopedKV) Close() error { return nil }
