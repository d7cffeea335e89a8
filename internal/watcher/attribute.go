package watcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
)

// Attributor credits unattributed deposits on operator instruction.
type Attributor struct {
	store    Store
	creditor Creditor
	logger   *slog.Logger
}

// NewAttributor creates an Attributor.
func NewAttributor(store Store, creditor Creditor, logger *slog.Logger) *Attributor {
	return &Attributor{store: store, creditor: creditor, logger: logger}
}

// AttributeDeposit credits the recorded deposit to userID. It uses the
// same idempotency key the watcher would have used, so a deposit can be
// credited at most once whichever path gets there first.
func (a *Attributor) AttributeDeposit(ctx context.Context, currency money.Currency, ref, userID string) (*ledger.Movement, error) {
	d, err := a.store.Unattributed(ctx, currency, ref)
	if err != nil {
		return nil, err
	}
	if d.AttributedTo != "" && d.AttributedTo != userID {
		return nil, ErrAlreadyAttributed
	}

	mv, err := a.creditor.Credit(ctx, ledger.Request{
		UserID:      userID,
		Currency:    d.Currency,
		Amount:      d.Amount,
		Reason:      ledger.ReasonDeposit,
		Source:      LedgerSource(chain.Transfer{Currency: d.Currency}),
		ExternalRef: d.Ref,
	})
	if err != nil {
		return nil, fmt.Errorf("credit attributed deposit: %w", err)
	}
	if mv.Replayed && mv.UserID != userID {
		return nil, ErrAlreadyAttributed
	}
	if err := a.store.MarkAttributed(ctx, currency, ref, userID); err != nil {
		return nil, err
	}

	a.logger.Info("deposit attributed manually",
		"currency", string(currency), "ref", ref, "userId", userID, "movementId", mv.ID)
	return mv, nil
}

// List returns open unattributed deposits, oldest first.
func (a *Attributor) List(ctx context.Context, limit int) ([]*Deposit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return a.store.ListUnattributed(ctx, limit)
}
