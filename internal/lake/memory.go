package lake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

type memTable struct {
	version   int64
	schema    Schema
	rows      []Record
	updatedAt time.Time
}

// MemoryBackend keeps tables in process memory. Used for tests and memory:// roots.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*memTable)}
}

func (m *MemoryBackend) Load(_ context.Context, table string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", common.ErrStoreNotFound, table)
	}
	return Snapshot{
		Table:   table,
		Version: t.version,
		Schema:  NewSchema(t.schema.Columns...),
		Rows:    cloneRows(t.rows),
	}, nil
}

func (m *MemoryBackend) Commit(_ context.Context, table string, expected int64, schema Schema, rows []Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if t, ok := m.tables[table]; ok {
		current = t.version
	}
	if current != expected {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d", ErrCommitConflict, table, current, expected)
	}
	m.tables[table] = &memTable{
		version:   current + 1,
		schema:    NewSchema(schema.Columns...),
		rows:      cloneRows(rows),
		updatedAt: time.Now().UTC(),
	}
	return current + 1, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]TableInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TableInfo, 0, len(m.tables))
	for name, t := range m.tables {
		out = append(out, TableInfo{
			Name:      name,
			Version:   t.version,
			Columns:   len(t.schema.Columns),
			Rows:      len(t.rows),
			UpdatedAt: t.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
