package store

import (
	"context"
	"sync"
)

// MemoryKV is a mutex-guarded in-memory backend. It is the default for tests
// and for one-shot CLI runs where nothing has to outlive the process.
type MemoryKV struct {
	mu       sync.RWMutex
	tables   map[string]map[string][]byte
	counters map[string]map[string]int64
	closed   bool
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		tables:   make(map[string]map[string][]byte),
		counters: make(map[string]map[string]int64),
	}
}

func (m *MemoryKV) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	rows, ok := m.tables[table]
	if !ok {
		return nil, false, nil
	}
	v, ok := rows[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *MemoryKV) Put(ctx context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string][]byte)
		m.tables[table] = rows
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	rows[key] = cp
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if rows, ok := m.tables[table]; ok {
		delete(rows, key)
	}
	return nil
}

func (m *MemoryKV) All(ctx context.Context, table string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.tables[table]))
	for k, v := range m.tables[table] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (m *MemoryKV) Incr(ctx context.Context, table, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	counters, ok := m.counters[table]
	if !ok {
		counters = make(map[string]int64)
		m.counters[table] = counters
	}
	counters[key]++
	return counters[key], nil
}

func (m *MemoryKV) DropTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.tables, table)
	delete(m.counters, table)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
