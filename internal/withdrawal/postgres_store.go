package withdrawal

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

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the withdrawals table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS withdrawals (
			id               VARCHAR(64)    PRIMARY KEY,
			user_id          VARCHAR(64)    NOT NULL,
			currency         VARCHAR(16)    NOT NULL,
			amount           NUMERIC(78,18) NOT NULL,
			fee              NUMERIC(78,18) NOT NULL,
			total            NUMERIC(78,18) NOT NULL,
			payout           NUMERIC(78,18) NOT NULL,
			destination      VARCHAR(42)    NOT NULL,
			memo             VARCHAR(128)   NOT NULL DEFAULT '',
			state            VARCHAR(20)    NOT NULL,
			tx_hash          VARCHAR(66),
			submit_attempts  INTEGER        NOT NULL DEFAULT 0,
			confirm_checks   INTEGER        NOT NULL DEFAULT 0,
			last_error       TEXT,
			created_at       TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			submitted_at     TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_withdrawals_open ON withdrawals(state, created_at)
			WHERE state IN ('pending_debit', 'submitting', 'submitted');
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals
			(id, user_id, currency, amount, fee, total, payout, destination, memo, state,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, w.ID, w.UserID, string(w.Currency), w.Amount, w.Fee, w.Total, w.Payout,
		w.Destination, w.Memo, string(w.State), w.CreatedAt, w.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return scanWithdrawal(p.db.QueryRowContext(ctx, selectWithdrawal+` WHERE id = $1`, id))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, selectWithdrawal+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, selectWithdrawal+` WHERE state = $1 ORDER BY created_at LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) Update(ctx context.Context, w *Withdrawal, expected State) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			state = $3, tx_hash = NULLIF($4, ''), submit_attempts = $5, confirm_checks = $6,
			last_error = NULLIF($7, ''), updated_at = $8, submitted_at = $9, completed_at = $10
		WHERE id = $1 AND state = $2
	`, w.ID, string(expected), string(w.State), w.TxHash, w.SubmitAttempts, w.ConfirmChecks,
		w.LastError, w.UpdatedAt, w.SubmittedAt, w.CompletedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, w.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const selectWithdrawal = `SELECT id, user_id, currency, amount, fee, total, payout, destination, memo,
	state, tx_hash, submit_attempts, confirm_checks, last_error, created_at, updated_at,
	submitted_at, completed_at FROM withdrawals`

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var currency, state string
	var txHash, lastError sql.NullString
	var submittedAt, completedAt sql.NullTime
	err := row.Scan(&w.ID, &w.UserID, &currency, &w.Amount, &w.Fee, &w.Total, &w.Payout,
		&w.Destination, &w.Memo, &state, &txHash, &w.SubmitAttempts, &w.ConfirmChecks,
		&lastError, &w.CreatedAt, &w.UpdatedAt, &submittedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Currency = money.Currency(currency)
	w.State = State(state)
	w.TxHash = txHash.String
	w.LastError = lastError.String
	if submittedAt.Valid {
		t := submittedAt.Time
		w.SubmittedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return w, nil
}
