package invoice

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewMemoryStore creates an in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*Invoice)}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkSettled(ctx context.Context, id string, state State, chargeID, movementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return false, ErrNotFound
	}
	if inv.State != StateIssued {
		return false, nil
	}
	now := time.Now().UTC()
	inv.State = state
	inv.ChargeID = chargeID
	inv.MovementID = movementID
	inv.SettledAt = &now
	return true, nil
}
