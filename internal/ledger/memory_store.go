package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/admarket/internal/idempotency"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/pagination"
	"github.com/shopspring/decimal"
)

type accountKey struct {
	userID   string
	currency money.Currency
}

// MemoryStore is an in-memory Store for development and tests. A single
// mutex makes reservation, balance check and append one atomic unit.
type MemoryStore struct {
	mu        sync.Mutex
	guard     *idempotency.Guard
	accounts  map[accountKey]*Account
	movements []*Movement
	byID      map[string]*Movement
}

// NewMemoryStore creates an in-memory ledger store. A nil guard gets a
// private in-memory one.
func NewMemoryStore(guard *idempotency.Guard) *MemoryStore {
	if guard == nil {
		guard = idempotency.NewGuard(idempotency.NewMemoryStore())
	}
	return &MemoryStore{
		guard:    guard,
		accounts: make(map[accountKey]*Account),
		byID:     make(map[string]*Movement),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, p Posting) (*Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserved := false
	if p.ExternalRef != "" {
		res, err := m.guard.Reserve(ctx, p.Source, p.ExternalRef, idempotency.OutcomeApplied, p.MovementID)
		if err != nil {
			return nil, err
		}
		if res.AlreadyApplied() {
			return m.replay(res.Record)
		}
		reserved = true
	}

	k := accountKey{p.UserID, p.Currency}
	acct, ok := m.accounts[k]
	if !ok {
		acct = &Account{UserID: p.UserID, Currency: p.Currency, Available: decimal.Zero}
	}

	next := acct.Available.Add(p.Delta)
	if next.IsNegative() {
		if reserved {
			_ = m.guard.Release(ctx, p.Source, p.ExternalRef)
		}
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	acct.Available = next
	acct.UpdatedAt = now
	m.accounts[k] = acct

	mv := &Movement{
		ID:           p.MovementID,
		UserID:       p.UserID,
		Currency:     p.Currency,
		Amount:       p.Delta,
		BalanceAfter: next,
		Reason:       p.Reason,
		Source:       p.Source,
		ExternalRef:  p.ExternalRef,
		CreatedAt:    now,
	}
	m.movements = append(m.movements, mv)
	m.byID[mv.ID] = mv

	cp := *mv
	return &cp, nil
}

func (m *MemoryStore) replay(rec *idempotency.Record) (*Movement, error) {
	if rec.Outcome == idempotency.OutcomeRejected {
		return nil, ErrRejected
	}
	mv, ok := m.byID[rec.MovementID]
	if !ok {
		return nil, ErrMovementNotFound
	}
	cp := *mv
	cp.Replayed = true
	return &cp, nil
}

func (m *MemoryStore) Account(ctx context.Context, userID string, currency money.Currency) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[accountKey{userID, currency}]; ok {
		cp := *acct
		return &cp, nil
	}
	return &Account{UserID: userID, Currency: currency, Available: decimal.Zero}, nil
}

func (m *MemoryStore) Accounts(ctx context.Context, userID string) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Account
	for k, acct := range m.accounts {
		if k.userID == userID {
			cp := *acct
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AllAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (m *MemoryStore) Lookup(ctx context.Context, source, ref string) (*Movement, error) {
	rec, err := m.guard.Lookup(ctx, source, ref)
	if errors.Is(err, idempotency.ErrNotFound) {
		return nil, ErrMovementNotFound
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mv, ok := m.byID[rec.MovementID]
	if !ok {
		return nil, ErrMovementNotFound
	}
	cp := *mv
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, currency money.Currency, before *pagination.Cursor, limit int) ([]*Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := len(m.movements) - 1
	if before != nil {
		start = -1
		for i := len(m.movements) - 1; i >= 0; i-- {
			if m.movements[i].ID == before.ID {
				start = i - 1
				break
			}
		}
	}

	var out []*Movement
	for i := start; i >= 0 && len(out) < limit; i-- {
		mv := m.movements[i]
		if mv.UserID != userID || (currency != "" && mv.Currency != currency) {
			continue
		}
		cp := *mv
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumMovements(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := decimal.Zero
	for _, mv := range m.movements {
		if mv.UserID == userID && mv.Currency == currency {
			sum = sum.Add(mv.Amount)
		}
	}
	return sum, nil
}
