package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the users table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id             VARCHAR(32)  PRIMARY KEY,
			telegram_id    BIGINT       NOT NULL UNIQUE,
			username       VARCHAR(64),
			first_name     VARCHAR(128),
			language_code  VARCHAR(16),
			created_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_login_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// Upsert uses xmax = 0 to tell an insert from a conflict update.
func (p *PostgresStore) Upsert(ctx context.Context, u *User) (*User, bool, error) {
	out := &User{}
	var username, firstName, lang sql.NullString
	var created bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, telegram_id, username, first_name, language_code, created_at, last_login_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			username      = EXCLUDED.username,
			first_name    = EXCLUDED.first_name,
			language_code = EXCLUDED.language_code,
			last_login_at = EXCLUDED.last_login_at
		RETURNING id, telegram_id, username, first_name, language_code, created_at, last_login_at, (xmax = 0)
	`, u.ID, u.TelegramID, u.Username, u.FirstName, u.LanguageCode, u.CreatedAt, u.LastLoginAt).Scan(
		&out.ID, &out.TelegramID, &username, &firstName, &lang, &out.CreatedAt, &out.LastLoginAt, &created,
	)
	if err != nil {
		return nil, false, err
	}
	out.Username, out.FirstName, out.LanguageCode = username.String, firstName.String, lang.String
	return out, created, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	out := &User{}
	var username, firstName, lang sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, telegram_id, username, first_name, language_code, created_at, last_login_at
		FROM users WHERE id = $1
	`, id).Scan(&out.ID, &out.TelegramID, &username, &firstName, &lang, &out.CreatedAt, &out.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	out.Username, out.FirstName, out.LanguageCode = username.String, firstName.String, lang.String
	return out, nil
}
