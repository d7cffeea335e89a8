package rates

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/admarket/internal/money"
)

// PostgresStore keeps the rate history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rates table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rates (
			id      BIGSERIAL      PRIMARY KEY,
			base    VARCHAR(16)    NOT NULL,
			quote   VARCHAR(16)    NOT NULL,
			value   NUMERIC(38,18) NOT NULL CHECK (value > 0),
			source  VARCHAR(64)    NOT NULL,
			as_of   TIMESTAMPTZ    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rates_pair ON rates(base, quote, as_of DESC);
	`)
	return err
}

func (p *PostgresStore) Put(ctx context.Context, r Rate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rates (base, quote, value, source, as_of) VALUES ($1, $2, $3, $4, $5)
	`, string(r.Base), string(r.Quote), r.Value, r.Source, r.AsOf)
	return err
}

func (p *PostgresStore) Latest(ctx context.Context, pair Pair) (Rate, error) {
	r := Rate{}
	var base, quote string
	err := p.db.QueryRowContext(ctx, `
		SELECT base, quote, value, source, as_of FROM rates
		WHERE base = $1 AND quote = $2
		ORDER BY as_of DESC, id DESC LIMIT 1
	`, string(pair.Base), string(pair.Quote)).Scan(&base, &quote, &r.Value, &r.Source, &r.AsOf)
	if errors.Is(err, sql.ErrNoRows) {
		return Rate{}, ErrNoRate
	}
	if err != nil {
		return Rate{}, err
	}
	r.Base = money.Currency(base)
	r.Quote = money.Currency(quote)
	return r, nil
}
