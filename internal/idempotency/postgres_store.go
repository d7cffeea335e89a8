package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is satisfied by *sql.DB and *sql.Tx, so reservations can join a
// caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reservation table. The primary key is the
// concurrency primitive.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			source        VARCHAR(64)  NOT NULL,
			external_ref  VARCHAR(255) NOT NULL,
			outcome       VARCHAR(16)  NOT NULL,
			movement_id   VARCHAR(36),
			created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source, external_ref)
		);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) (*Record, bool, error) {
	return insert(ctx, p.db, rec)
}

func (p *PostgresStore) Get(ctx context.Context, source, ref string) (*Record, error) {
	return get(ctx, p.db, source, ref)
}

func (p *PostgresStore) Delete(ctx context.Context, source, ref string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE source = $1 AND external_ref = $2`, source, ref)
	return err
}

// ReserveTx claims a key inside the caller's transaction. If the
// transaction rolls back, the reservation disappears with it.
func ReserveTx(ctx context.Context, q Querier, source, ref string, outcome Outcome, movementID string) (Reservation, error) {
	rec, err := newRecord(source, ref, outcome, movementID)
	if err != nil {
		return Reservation{}, err
	}
	existing, inserted, err := insert(ctx, q, rec)
	if err != nil {
		return Reservation{}, err
	}
	return observe(source, existing, inserted), nil
}

func insert(ctx context.Context, q Querier, rec *Record) (*Record, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (source, external_ref, outcome, movement_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (source, external_ref) DO NOTHING
	`, rec.Source, rec.ExternalRef, string(rec.Outcome), rec.MovementID, rec.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		cp := *rec
		return &cp, true, nil
	}

	existing, err := get(ctx, q, rec.Source, rec.ExternalRef)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing key: %w", err)
	}
	return existing, false, nil
}

func get(ctx context.Context, q Querier, source, ref string) (*Record, error) {
	rec := &Record{}
	var outcome string
	var movementID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT source, external_ref, outcome, movement_id, created_at
		FROM idempotency_keys WHERE source = $1 AND external_ref = $2
	`, source, ref).Scan(&rec.Source, &rec.ExternalRef, &outcome, &movementID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Outcome = Outcome(outcome)
	rec.MovementID = movementID.String
	return rec, nil
}
