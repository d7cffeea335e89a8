package rates

import (
	"context"
	"sync"
)

// MemoryStore keeps the rate history in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[Pair][]Rate
}

// NewMemoryStore creates an in-memory rate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[Pair][]Rate)}
}

func (m *MemoryStore) Put(ctx context.Context, r Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[r.Pair()] = append(m.history[r.Pair()], r)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, p Pair) (Rate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest Rate
	found := false
	for _, r := range m.history[p] {
		if !found || !r.AsOf.Before(latest.AsOf) {
			latest, found = r, true
		}
	}
	if !found {
		return Rate{}, ErrNoRate
	}
	return latest, nil
}
