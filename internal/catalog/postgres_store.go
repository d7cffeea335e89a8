package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the channels and ad_formats tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS channels (
			id           VARCHAR(64)  PRIMARY KEY,
			owner_id     VARCHAR(64)  NOT NULL,
			telegram_id  BIGINT       NOT NULL UNIQUE,
			title        VARCHAR(256) NOT NULL,
			username     VARCHAR(64),
			status       VARCHAR(16)  NOT NULL DEFAULT 'active',
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id);
		CREATE INDEX IF NOT EXISTS idx_channels_status ON channels(status, created_at DESC);

		CREATE TABLE IF NOT EXISTS ad_formats (
			id              VARCHAR(64)    PRIMARY KEY,
			channel_id      VARCHAR(64)    NOT NULL REFERENCES channels(id),
			kind            VARCHAR(16)    NOT NULL,
			enabled         BOOLEAN        NOT NULL DEFAULT TRUE,
			price_points    NUMERIC(78,18) NOT NULL DEFAULT 0,
			price_stable    NUMERIC(78,18) NOT NULL DEFAULT 0,
			duration_hours  INTEGER        NOT NULL DEFAULT 24,
			publication     VARCHAR(16)    NOT NULL DEFAULT 'manual',
			created_at      TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ    NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_formats_channel ON ad_formats(channel_id);
	`)
	return err
}

func (p *PostgresStore) CreateChannel(ctx context.Context, ch *Channel) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO channels (id, owner_id, telegram_id, title, username, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`, ch.ID, ch.OwnerID, ch.TelegramID, ch.Title, ch.Username, string(ch.Status), ch.CreatedAt, ch.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrChannelExists
	}
	return err
}

func (p *PostgresStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	return scanChannel(p.db.QueryRowContext(ctx, selectChannel+` WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE channels SET title = $2, username = NULLIF($3, ''), status = $4, updated_at = NOW()
		WHERE id = $1
	`, ch.ID, ch.Title, ch.Username, string(ch.Status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (p *PostgresStore) ListChannels(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error) {
	return p.queryChannels(ctx, selectChannel+`
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
}

func (p *PostgresStore) ListChannelsByOwner(ctx context.Context, ownerID string) ([]*Channel, error) {
	return p.queryChannels(ctx, selectChannel+` WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (p *PostgresStore) queryChannels(ctx context.Context, query string, args ...any) ([]*Channel, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateFormat(ctx context.Context, f *Format) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ad_formats
			(id, channel_id, kind, enabled, price_points, price_stable, duration_hours, publication, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.ID, f.ChannelID, string(f.Kind), f.Enabled, f.PricePoints, f.PriceStable, f.DurationHours,
		string(f.Publication), f.CreatedAt, f.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrChannelNotFound
	}
	return err
}

func (p *PostgresStore) GetFormat(ctx context.Context, id string) (*Format, error) {
	return scanFormat(p.db.QueryRowContext(ctx, selectFormat+` WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateFormat(ctx context.Context, f *Format) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ad_formats SET kind = $2, enabled = $3, price_points = $4, price_stable = $5,
			duration_hours = $6, publication = $7, updated_at = NOW()
		WHERE id = $1
	`, f.ID, string(f.Kind), f.Enabled, f.PricePoints, f.PriceStable, f.DurationHours, string(f.Publication))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFormatNotFound
	}
	return nil
}

func (p *PostgresStore) ListFormats(ctx context.Context, channelID string) ([]*Format, error) {
	rows, err := p.db.QueryContext(ctx, selectFormat+` WHERE channel_id = $1 ORDER BY created_at`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Format
	for rows.Next() {
		f, err := scanFormat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const (
	selectChannel = `SELECT id, owner_id, telegram_id, title, username, status, created_at, updated_at FROM channels`
	selectFormat  = `SELECT id, channel_id, kind, enabled, price_points, price_stable, duration_hours, publication, created_at, updated_at FROM ad_formats`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*Channel, error) {
	ch := &Channel{}
	var username sql.NullString
	var status string
	err := row.Scan(&ch.ID, &ch.OwnerID, &ch.TelegramID, &ch.Title, &username, &status, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Username = username.String
	ch.Status = ChannelStatus(status)
	return ch, nil
}

func scanFormat(row scanner) (*Format, error) {
	f := &Format{}
	var kind, pub string
	err := row.Scan(&f.ID, &f.ChannelID, &kind, &f.Enabled, &f.PricePoints, &f.PriceStable,
		&f.DurationHours, &pub, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFormatNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Kind = FormatKind(kind)
	f.Publication = Publication(pub)
	return f, nil
}
