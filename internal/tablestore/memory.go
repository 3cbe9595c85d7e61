package tablestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by the in-process
// transport. It mirrors the backend contract exactly: keyed tables
// replace on append, snapshots are copies, and there is no
// compare-and-swap.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*memoryTable
	alive  bool
	closed bool
}

// NewMemoryStore returns an empty, connected MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memoryTable), alive: true}
}

// SetAlive toggles the simulated backend liveness. While false, every
// operation fails with ErrUnavailable.
func (s *MemoryStore) SetAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = alive
}

func (s *MemoryStore) Alive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) OpenOrCreate(_ context.Context, spec TableSpec) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.alive {
		return nil, Unavailable(fmt.Errorf("memory store down"))
	}
	if t, ok := s.tables[spec.Name]; ok {
		return t, nil
	}
	t := &memoryTable{store: s, spec: spec, keyIndex: make(map[string]int)}
	s.tables[spec.Name] = t
	return t, nil
}

type memoryTable struct {
	store    *MemoryStore
	spec     TableSpec
	rows     []Row
	keyIndex map[string]int
}

func (t *memoryTable) Name() string { return t.spec.Name }

func (t *memoryTable) Append(_ context.Context, rows []Row) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.closed || !t.store.alive {
		return Unavailable(fmt.Errorf("memory store down"))
	}
	for _, row := range rows {
		r := row.Clone()
		if len(t.spec.KeyColumns) == 0 {
			t.rows = append(t.rows, r)
			continue
		}
		k := t.key(r)
		if i, ok := t.keyIndex[k]; ok {
			t.rows[i] = r
		} else {
			t.keyIndex[k] = len(t.rows)
			t.rows = append(t.rows, r)
		}
	}
	return nil
}

func (t *memoryTable) Snapshot(_ context.Context, filter Filter) ([]Row, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.closed || !t.store.alive {
		return nil, Unavailable(fmt.Errorf("memory store down"))
	}
	var out []Row
	for _, row := range t.rows {
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (t *memoryTable) key(row Row) string {
	parts := make([]string, 0, len(t.spec.KeyColumns))
	for _, col := range t.spec.KeyColumns {
		parts = append(parts, fmt.Sprintf("%v", row[col]))
	}
	return strings.Join(parts, "\x00")
}
