package referral

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/lib/pq"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	referrals map[string]*Referral
}

// NewMemoryStore creates an in-memory referral store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{referrals: make(map[string]*Referral)}
}

func (m *MemoryStore) Bind(ctx context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referrals[r.UserID]; ok {
		return ErrBound
	}
	cp := *r
	m.referrals[r.UserID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.referrals[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CountByReferrer(ctx context.Context, referrerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID {
			n++
		}
	}
	return n, nil
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the referrals table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS referrals (
			user_id      VARCHAR(64) PRIMARY KEY,
			referrer_id  VARCHAR(64) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id);
	`)
	return err
}

func (p *PostgresStore) Bind(ctx context.Context, r *Referral) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referrals (user_id, referrer_id, created_at) VALUES ($1, $2, $3)
	`, r.UserID, r.ReferrerID, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrBound
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Referral, error) {
	r := &Referral{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, referrer_id, created_at FROM referrals WHERE user_id = $1
	`, userID).Scan(&r.UserID, &r.ReferrerID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) CountByReferrer(ctx context.Context, referrerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`, referrerID).Scan(&n)
	return n, err
}
