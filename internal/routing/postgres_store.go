package routing

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/admarket/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed routing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the deposit route and linked wallet tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS deposit_routes (
			user_id     VARCHAR(64) NOT NULL,
			currency    VARCHAR(16) NOT NULL,
			address     VARCHAR(42) NOT NULL,
			memo        VARCHAR(32) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, currency),
			CONSTRAINT uq_route_memo UNIQUE (currency, memo)
		);

		CREATE TABLE IF NOT EXISTS linked_wallets (
			address    VARCHAR(42) PRIMARY KEY,
			user_id    VARCHAR(64) NOT NULL,
			linked_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_linked_wallets_user ON linked_wallets(user_id);
	`)
	return err
}

const routeColumns = `user_id, currency, address, memo, created_at`

func (p *PostgresStore) GetRoute(ctx context.Context, userID string, currency money.Currency) (*Route, error) {
	return scanRoute(p.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM deposit_routes WHERE user_id = $1 AND currency = $2`,
		userID, string(currency)))
}

// CreateRoute inserts a route. A conflict on (user_id, currency) returns
// the stored route; a conflict on the memo returns ErrMemoTaken.
func (p *PostgresStore) CreateRoute(ctx context.Context, r *Route) (*Route, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposit_routes (user_id, currency, address, memo, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, r.UserID, string(r.Currency), r.Address, r.Memo, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrMemoTaken
		}
		return nil, err
	}
	return p.GetRoute(ctx, r.UserID, r.Currency)
}

func (p *PostgresStore) RouteByMemo(ctx context.Context, currency money.Currency, memo string) (*Route, error) {
	return scanRoute(p.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM deposit_routes WHERE currency = $1 AND memo = $2`,
		string(currency), memo))
}

func (p *PostgresStore) LinkWallet(ctx context.Context, w *Wallet) error {
	var owner string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO linked_wallets (address, user_id, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING user_id
	`, w.Address, w.UserID, w.LinkedAt).Scan(&owner)
	if err != nil {
		return err
	}
	if owner != w.UserID {
		return ErrWalletTaken
	}
	return nil
}

func (p *PostgresStore) UnlinkWallet(ctx context.Context, userID, address string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM linked_wallets WHERE address = $1 AND user_id = $2`, address, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) WalletOwner(ctx context.Context, address string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx,
		`SELECT address, user_id, linked_at FROM linked_wallets WHERE address = $1`, address,
	).Scan(&w.Address, &w.UserID, &w.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context, userID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT address, user_id, linked_at FROM linked_wallets WHERE user_id = $1 ORDER BY linked_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.Address, &w.UserID, &w.LinkedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanRoute(row *sql.Row) (*Route, error) {
	r := &Route{}
	var currency string
	err := row.Scan(&r.UserID, &currency, &r.Address, &r.Memo, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Currency = money.Currency(currency)
	return r, nil
}
