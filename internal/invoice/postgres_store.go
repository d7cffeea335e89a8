package invoice

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the invoices table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id           VARCHAR(64)  PRIMARY KEY,
			user_id      VARCHAR(64)  NOT NULL,
			amount       BIGINT       NOT NULL CHECK (amount > 0),
			link         TEXT         NOT NULL,
			state        VARCHAR(16)  NOT NULL,
			charge_id    VARCHAR(256),
			movement_id  VARCHAR(36),
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			settled_at   TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, amount, link, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inv.ID, inv.UserID, inv.Amount, inv.Link, string(inv.State), inv.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, selectInvoice+` WHERE id = $1`, id))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, selectInvoice+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkSettled(ctx context.Context, id string, state State, chargeID, movementID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET state = $2, charge_id = NULLIF($3, ''), movement_id = NULLIF($4, ''), settled_at = NOW()
		WHERE id = $1 AND state = 'issued'
	`, id, string(state), chargeID, movementID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

const selectInvoice = `SELECT id, user_id, amount, link, state, charge_id, movement_id, created_at, settled_at FROM invoices`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row scanner) (*Invoice, error) {
	inv := &Invoice{}
	var state string
	var chargeID, movementID sql.NullString
	var settledAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.UserID, &inv.Amount, &inv.Link, &state, &chargeID, &movementID,
		&inv.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.State = State(state)
	inv.ChargeID = chargeID.String
	inv.MovementID = movementID.String
	if settledAt.Valid {
		t := settledAt.Time
		inv.SettledAt = &t
	}
	return inv, nil
}
