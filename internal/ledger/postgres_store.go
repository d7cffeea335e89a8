package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/admarket/internal/idempotency"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/pagination"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns.
// idempotency_keys is owned by the idempotency package and must exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_accounts (
			user_id     VARCHAR(64)    NOT NULL,
			currency    VARCHAR(16)    NOT NULL,
			available   NUMERIC(78,18) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, currency),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_movements (
			seq            BIGSERIAL      UNIQUE,
			id             VARCHAR(36)    PRIMARY KEY,
			user_id        VARCHAR(64)    NOT NULL,
			currency       VARCHAR(16)    NOT NULL,
			amount         NUMERIC(78,18) NOT NULL,
			balance_after  NUMERIC(78,18) NOT NULL,
			reason         VARCHAR(32)    NOT NULL,
			source         VARCHAR(64)    NOT NULL,
			external_ref   VARCHAR(255),
			created_at     TIMESTAMPTZ    NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_movements_account ON ledger_movements(user_id, currency, seq);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_ref
			ON ledger_movements(source, external_ref) WHERE external_ref IS NOT NULL;
	`)
	return err
}

// Apply runs reservation, balance update and movement insert in one
// READ COMMITTED transaction. The conditional UPDATE re-evaluates its
// predicate against the locked row, so concurrent debits cannot overdraw.
// A concurrent insert of the same idempotency key blocks until the first
// transaction finishes and then observes its outcome.
func (p *PostgresStore) Apply(ctx context.Context, posting Posting) (*Movement, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if posting.ExternalRef != "" {
		res, err := idempotency.ReserveTx(ctx, tx, posting.Source, posting.ExternalRef,
			idempotency.OutcomeApplied, posting.MovementID)
		if err != nil {
			return nil, err
		}
		if res.AlreadyApplied() {
			if res.Record.Outcome == idempotency.OutcomeRejected {
				return nil, ErrRejected
			}
			mv, err := scanMovement(tx.QueryRowContext(ctx, selectMovement+` WHERE id = $1`, res.Record.MovementID))
			if err != nil {
				return nil, err
			}
			mv.Replayed = true
			return mv, nil
		}
	}

	var balance decimal.Decimal
	if posting.Delta.IsNegative() {
		err = tx.QueryRowContext(ctx, `
			UPDATE ledger_accounts SET
				available  = available - $3,
				updated_at = NOW()
			WHERE user_id = $1 AND currency = $2 AND available >= $3
			RETURNING available
		`, posting.UserID, string(posting.Currency), posting.Delta.Neg()).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO ledger_accounts (user_id, currency, available, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id, currency) DO UPDATE SET
				available  = ledger_accounts.available + EXCLUDED.available,
				updated_at = NOW()
			RETURNING available
		`, posting.UserID, string(posting.Currency), posting.Delta).Scan(&balance)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	mv, err := scanMovement(tx.QueryRowContext(ctx, `
		INSERT INTO ledger_movements
			(id, user_id, currency, amount, balance_after, reason, source, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NOW())
		RETURNING `+movementColumns,
		posting.MovementID, posting.UserID, string(posting.Currency), posting.Delta, balance,
		string(posting.Reason), posting.Source, posting.ExternalRef))
	if err != nil {
		return nil, fmt.Errorf("failed to record movement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mv, nil
}

func (p *PostgresStore) Account(ctx context.Context, userID string, currency money.Currency) (*Account, error) {
	acct := &Account{UserID: userID, Currency: currency}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, updated_at FROM ledger_accounts WHERE user_id = $1 AND currency = $2
	`, userID, string(currency)).Scan(&acct.Available, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		acct.Available = decimal.Zero
		return acct, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Accounts(ctx context.Context, userID string) ([]*Account, error) {
	return p.queryAccounts(ctx, `
		SELECT user_id, currency, available, updated_at FROM ledger_accounts
		WHERE user_id = $1 ORDER BY currency
	`, userID)
}

func (p *PostgresStore) AllAccounts(ctx context.Context) ([]*Account, error) {
	return p.queryAccounts(ctx, `
		SELECT user_id, currency, available, updated_at FROM ledger_accounts
		ORDER BY user_id, currency
	`)
}

func (p *PostgresStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct := &Account{}
		var currency string
		if err := rows.Scan(&acct.UserID, &currency, &acct.Available, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		acct.Currency = money.Currency(currency)
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Lookup(ctx context.Context, source, ref string) (*Movement, error) {
	return scanMovement(p.db.QueryRowContext(ctx,
		selectMovement+` WHERE source = $1 AND external_ref = $2`, source, ref))
}

func (p *PostgresStore) History(ctx context.Context, userID string, currency money.Currency, before *pagination.Cursor, limit int) ([]*Movement, error) {
	var beforeID string
	if before != nil {
		beforeID = before.ID
	}
	rows, err := p.db.QueryContext(ctx, selectMovement+`
		WHERE user_id = $1 AND ($2 = '' OR currency = $2)
		  AND ($3 = '' OR seq < (SELECT seq FROM ledger_movements WHERE id = $3))
		ORDER BY seq DESC LIMIT $4
	`, userID, string(currency), beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Movement
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumMovements(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_movements WHERE user_id = $1 AND currency = $2
	`, userID, string(currency)).Scan(&sum)
	return sum, err
}

const movementColumns = `id, user_id, currency, amount, balance_after, reason, source, external_ref, created_at`

const selectMovement = `SELECT ` + movementColumns + ` FROM ledger_movements`

type scanner interface {
	Scan(dest ...any) error
}

func scanMovement(row scanner) (*Movement, error) {
	mv := &Movement{}
	var currency, reason string
	var ref sql.NullString
	err := row.Scan(&mv.ID, &mv.UserID, &currency, &mv.Amount, &mv.BalanceAfter,
		&reason, &mv.Source, &ref, &mv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMovementNotFound
	}
	if err != nil {
		return nil, err
	}
	mv.Currency = money.Currency(currency)
	mv.Reason = Reason(reason)
	mv.ExternalRef = ref.String
	return mv, nil
}
