package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrDepositNotFound   = errors.New("watcher: unattributed deposit not found")
	ErrAlreadyAttributed = errors.New("watcher: deposit already attributed")
)

// Deposit is a transfer the watcher could not attribute to a user.
type Deposit struct {
	Currency     money.Currency  `json:"currency"`
	Ref          string          `json:"ref"`
	TxHash       string          `json:"txHash"`
	From         string          `json:"from"`
	Amount       decimal.Decimal `json:"amount"`
	Memo         string          `json:"memo,omitempty"`
	Block        uint64          `json:"block"`
	SeenAt       time.Time       `json:"seenAt"`
	AttributedTo string          `json:"attributedTo,omitempty"`
	AttributedAt *time.Time      `json:"attributedAt,omitempty"`
}

func depositFromTransfer(t chain.Transfer) *Deposit {
	return &Deposit{
		Currency: t.Currency,
		Ref:      t.Ref(),
		TxHash:   t.TxHash,
		From:     t.From,
		Amount:   t.Amount,
		Memo:     t.Memo,
		Block:    t.Block,
		SeenAt:   time.Now().UTC(),
	}
}

// Store persists poll cursors and unattributed deposits.
// RecordUnattributed must be idempotent on (currency, ref).
type Store interface {
	Cursor(ctx context.Context, key string) (uint64, error)
	SaveCursor(ctx context.Context, key string, block uint64) error

	RecordUnattributed(ctx context.Context, d *Deposit) error
	Unattributed(ctx context.Context, currency money.Currency, ref string) (*Deposit, error)
	ListUnattributed(ctx context.Context, limit int) ([]*Deposit, error)
	MarkAttributed(ctx context.Context, currency money.Currency, ref, userID string) error
}
