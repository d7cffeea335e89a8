package watcher

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/admarket/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed watcher store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the cursor and unattributed deposit tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS watcher_cursors (
			key         VARCHAR(128) PRIMARY KEY,
			block       BIGINT       NOT NULL,
			updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS unattributed_deposits (
			currency       VARCHAR(16)    NOT NULL,
			ref            VARCHAR(128)   NOT NULL,
			tx_hash        VARCHAR(66)    NOT NULL,
			from_address   VARCHAR(42)    NOT NULL,
			amount         NUMERIC(78,18) NOT NULL,
			memo           TEXT           NOT NULL DEFAULT '',
			block          BIGINT         NOT NULL,
			seen_at        TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			attributed_to  VARCHAR(64),
			attributed_at  TIMESTAMPTZ,
			PRIMARY KEY (currency, ref)
		);

		CREATE INDEX IF NOT EXISTS idx_unattributed_open
			ON unattributed_deposits(seen_at) WHERE attributed_to IS NULL;
	`)
	return err
}

func (p *PostgresStore) Cursor(ctx context.Context, key string) (uint64, error) {
	var block int64
	err := p.db.QueryRowContext(ctx, `SELECT block FROM watcher_cursors WHERE key = $1`, key).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(block), nil
}

func (p *PostgresStore) SaveCursor(ctx context.Context, key string, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO watcher_cursors (key, block, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET block = EXCLUDED.block, updated_at = NOW()
	`, key, int64(block))
	return err
}

func (p *PostgresStore) RecordUnattributed(ctx context.Context, d *Deposit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO unattributed_deposits
			(currency, ref, tx_hash, from_address, amount, memo, block, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (currency, ref) DO NOTHING
	`, string(d.Currency), d.Ref, d.TxHash, d.From, d.Amount, d.Memo, int64(d.Block), d.SeenAt)
	return err
}

const depositColumns = `currency, ref, tx_hash, from_address, amount, memo, block, seen_at, attributed_to, attributed_at`

func (p *PostgresStore) Unattributed(ctx context.Context, currency money.Currency, ref string) (*Deposit, error) {
	return scanDeposit(p.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM unattributed_deposits WHERE currency = $1 AND ref = $2`,
		string(currency), ref))
}

func (p *PostgresStore) ListUnattributed(ctx context.Context, limit int) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+depositColumns+` FROM unattributed_deposits
		WHERE attributed_to IS NULL ORDER BY seen_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkAttributed(ctx context.Context, currency money.Currency, ref, userID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE unattributed_deposits SET attributed_to = $3, attributed_at = NOW()
		WHERE currency = $1 AND ref = $2 AND (attributed_to IS NULL OR attributed_to = $3)
	`, string(currency), ref, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Unattributed(ctx, currency, ref); err != nil {
			return err
		}
		return ErrAlreadyAttributed
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row scanner) (*Deposit, error) {
	d := &Deposit{}
	var currency string
	var block int64
	var attributedTo sql.NullString
	var attributedAt sql.NullTime
	err := row.Scan(&currency, &d.Ref, &d.TxHash, &d.From, &d.Amount, &d.Memo, &block,
		&d.SeenAt, &attributedTo, &attributedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Currency = money.Currency(currency)
	d.Block = uint64(block)
	d.AttributedTo = attributedTo.String
	if attributedAt.Valid {
		t := attributedAt.Time
		d.AttributedAt = &t
	}
	return d, nil
}
