package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/admarket/internal/money"
)

type depositKey struct {
	currency money.Currency
	ref      string
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	cursors  map[string]uint64
	deposits map[depositKey]*Deposit
}

// NewMemoryStore creates an in-memory watcher store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors:  make(map[string]uint64),
		deposits: make(map[depositKey]*Deposit),
	}
}

func (m *MemoryStore) Cursor(ctx context.Context, key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[key], nil
}

func (m *MemoryStore) SaveCursor(ctx context.Context, key string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = block
	return nil
}

func (m *MemoryStore) RecordUnattributed(ctx context.Context, d *Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := depositKey{d.Currency, d.Ref}
	if _, ok := m.deposits[k]; ok {
		return nil
	}
	cp := *d
	m.deposits[k] = &cp
	return nil
}

func (m *MemoryStore) Unattributed(ctx context.Context, currency money.Currency, ref string) (*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[depositKey{currency, ref}]
	if !ok {
		return nil, ErrDepositNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListUnattributed(ctx context.Context, limit int) ([]*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deposit
	for _, d := range m.deposits {
		if d.AttributedTo == "" {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkAttributed(ctx context.Context, currency money.Currency, ref, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[depositKey{currency, ref}]
	if !ok {
		return ErrDepositNotFound
	}
	if d.AttributedTo != "" && d.AttributedTo != userID {
		return ErrAlreadyAttributed
	}
	now := time.Now().UTC()
	d.AttributedTo = userID
	d.AttributedAt = &now
	return nil
}
