package routing

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/admarket/internal/money"
)

type routeKey struct {
	userID   string
	currency money.Currency
}

type memoKey struct {
	currency money.Currency
	memo     string
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	routes  map[routeKey]*Route
	byMemo  map[memoKey]*Route
	wallets map[string]*Wallet
}

// NewMemoryStore creates an in-memory routing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:  make(map[routeKey]*Route),
		byMemo:  make(map[memoKey]*Route),
		wallets: make(map[string]*Wallet),
	}
}

func (m *MemoryStore) GetRoute(ctx context.Context, userID string, currency money.Currency) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[routeKey{userID, currency}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRoute(ctx context.Context, r *Route) (*Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.routes[routeKey{r.UserID, r.Currency}]; ok {
		cp := *existing
		return &cp, nil
	}
	if _, taken := m.byMemo[memoKey{r.Currency, r.Memo}]; taken {
		return nil, ErrMemoTaken
	}
	cp := *r
	m.routes[routeKey{r.UserID, r.Currency}] = &cp
	m.byMemo[memoKey{r.Currency, r.Memo}] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) RouteByMemo(ctx context.Context, currency money.Currency, memo string) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byMemo[memoKey{currency, memo}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) LinkWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.wallets[w.Address]; ok {
		if existing.UserID != w.UserID {
			return ErrWalletTaken
		}
		return nil
	}
	cp := *w
	m.wallets[w.Address] = &cp
	return nil
}

func (m *MemoryStore) UnlinkWallet(ctx context.Context, userID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[address]
	if !ok || w.UserID != userID {
		return ErrNotFound
	}
	delete(m.wallets, address)
	return nil
}

func (m *MemoryStore) WalletOwner(ctx context.Context, address string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context, userID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Wallet
	for _, w := range m.wallets {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}
