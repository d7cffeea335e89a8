package idempotency

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(source, ref string) string { return source + "\x00" + ref }

// Insert stores rec unless the key exists, in which case the existing
// record is returned.
func (m *MemoryStore) Insert(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(rec.Source, rec.ExternalRef)
	if existing, ok := m.records[k]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *rec
	m.records[k] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, source, ref string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key(source, ref)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, source, ref string) error {
	m.mu.Lock()
	delete(m.records, key(source, ref))
	m.mu.Unlock()
	return nil
}
