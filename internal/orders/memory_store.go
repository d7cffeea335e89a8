package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByPostToken(ctx context.Context, token string) (*Order, error) {
	return m.find(func(o *Order) bool { return token != "" && o.PostToken == token })
}

func (m *MemoryStore) GetByVerificationToken(ctx context.Context, token string) (*Order, error) {
	return m.find(func(o *Order) bool { return token != "" && o.VerificationToken == token })
}

func (m *MemoryStore) find(match func(*Order) bool) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	out := m.filter(func(o *Order) bool { return o.BuyerID == userID || o.SellerID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Order, error) {
	out := m.filter(func(o *Order) bool { return o.State == state })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, limit int) ([]*Order, error) {
	out := m.filter(func(o *Order) bool { return o.State.Terminal() && o.SettledAt == nil })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) filter(match func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func truncate(list []*Order, limit int) []*Order {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func (m *MemoryStore) Update(ctx context.Context, o *Order, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrStateConflict
	}
	cp := *o
	cp.SettledAt, cp.SettlementID = cur.SettledAt, cur.SettlementID
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkSettled(ctx context.Context, id, movementID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.SettledAt == nil {
		o.SettledAt = &at
		o.SettlementID = movementID
	}
	return nil
}
