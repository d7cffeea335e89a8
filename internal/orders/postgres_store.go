package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/admarket/internal/catalog"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/rates"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                  VARCHAR(64)    PRIMARY KEY,
			buyer_id            VARCHAR(64)    NOT NULL,
			seller_id           VARCHAR(64)    NOT NULL,
			channel_id          VARCHAR(64)    NOT NULL,
			channel_chat_id     BIGINT         NOT NULL DEFAULT 0,
			format_id           VARCHAR(64)    NOT NULL,
			publication         VARCHAR(16)    NOT NULL,
			duration_hours      INTEGER        NOT NULL,
			currency            VARCHAR(16)    NOT NULL,
			price               NUMERIC(78,18) NOT NULL,
			rate                JSONB,
			state               VARCHAR(20)    NOT NULL,
			post_text           TEXT           NOT NULL DEFAULT '',
			post_token          VARCHAR(16)    NOT NULL UNIQUE,
			verification_token  VARCHAR(16)    NOT NULL UNIQUE,
			published_ref       VARCHAR(64),
			escrow_movement_id  VARCHAR(36),
			settlement_id       VARCHAR(36),
			created_at          TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			published_at        TIMESTAMPTZ,
			token_consumed_at   TIMESTAMPTZ,
			verified_at         TIMESTAMPTZ,
			completed_at        TIMESTAMPTZ,
			cancelled_at        TIMESTAMPTZ,
			disputed_at         TIMESTAMPTZ,
			settled_at          TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state, updated_at);
		CREATE INDEX IF NOT EXISTS idx_orders_unsettled ON orders(updated_at)
			WHERE state IN ('done', 'cancelled') AND settled_at IS NULL;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	rate, err := encodeRate(o.Rate)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, buyer_id, seller_id, channel_id, channel_chat_id, format_id, publication,
			 duration_hours, currency, price, rate, state, post_token, verification_token,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, o.ID, o.BuyerID, o.SellerID, o.ChannelID, o.ChannelChatID, o.FormatID, string(o.Publication),
		o.DurationHours, string(o.Currency), o.Price, rate, string(o.State), o.PostToken,
		o.VerificationToken, o.CreatedAt, o.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByPostToken(ctx context.Context, token string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, selectOrder+` WHERE post_token = $1`, token))
}

func (p *PostgresStore) GetByVerificationToken(ctx context.Context, token string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, selectOrder+` WHERE verification_token = $1`, token))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrder+`
		WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrder+` WHERE state = $1 ORDER BY updated_at LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrder+`
		WHERE state IN ('done', 'cancelled') AND settled_at IS NULL ORDER BY updated_at LIMIT $1`, limit)
}

// Update never touches the settlement columns; MarkSettled owns them.
func (p *PostgresStore) Update(ctx context.Context, o *Order, expected State) error {
	rate, err := encodeRate(o.Rate)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			state = $3, currency = $4, price = $5, rate = $6, post_text = $7,
			published_ref = NULLIF($8, ''), escrow_movement_id = NULLIF($9, ''), updated_at = $10,
			published_at = $11, token_consumed_at = $12, verified_at = $13, completed_at = $14,
			cancelled_at = $15, disputed_at = $16
		WHERE id = $1 AND state = $2
	`, o.ID, string(expected), string(o.State), string(o.Currency), o.Price, rate, o.PostText,
		o.PublishedRef, o.EscrowMovementID, o.UpdatedAt, o.PublishedAt, o.TokenConsumedAt,
		o.VerifiedAt, o.CompletedAt, o.CancelledAt, o.DisputedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) MarkSettled(ctx context.Context, id, movementID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET settled_at = $2, settlement_id = NULLIF($3, '')
		WHERE id = $1 AND settled_at IS NULL
	`, id, at, movementID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := p.Get(ctx, id)
		return err
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const selectOrder = `SELECT id, buyer_id, seller_id, channel_id, channel_chat_id, format_id,
	publication, duration_hours, currency, price, rate, state, post_text, post_token,
	verification_token, published_ref, escrow_movement_id, settlement_id, created_at, updated_at,
	published_at, token_consumed_at, verified_at, completed_at, cancelled_at, disputed_at,
	settled_at FROM orders`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var publication, currency, state string
	var rate []byte
	var publishedRef, escrowID, settlementID sql.NullString
	var publishedAt, consumedAt, verifiedAt, completedAt, cancelledAt, disputedAt, settledAt sql.NullTime
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ChannelID, &o.ChannelChatID, &o.FormatID,
		&publication, &o.DurationHours, &currency, &o.Price, &rate, &state, &o.PostText, &o.PostToken,
		&o.VerificationToken, &publishedRef, &escrowID, &settlementID, &o.CreatedAt, &o.UpdatedAt,
		&publishedAt, &consumedAt, &verifiedAt, &completedAt, &cancelledAt, &disputedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Publication = catalog.Publication(publication)
	o.Currency = money.Currency(currency)
	o.State = State(state)
	o.PublishedRef = publishedRef.String
	o.EscrowMovementID = escrowID.String
	o.SettlementID = settlementID.String
	if len(rate) > 0 {
		o.Rate = &rates.Rate{}
		if err := json.Unmarshal(rate, o.Rate); err != nil {
			return nil, err
		}
	}
	o.PublishedAt = nullTime(publishedAt)
	o.TokenConsumedAt = nullTime(consumedAt)
	o.VerifiedAt = nullTime(verifiedAt)
	o.CompletedAt = nullTime(completedAt)
	o.CancelledAt = nullTime(cancelledAt)
	o.DisputedAt = nullTime(disputedAt)
	o.SettledAt = nullTime(settledAt)
	return o, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeRate(r *rates.Rate) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
