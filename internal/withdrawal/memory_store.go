package withdrawal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates an in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.State == state {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Withdrawal, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrStateConflict
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}
