// Package invoice sells platform points through Telegram Stars invoices.
//
// Issuing stores the invoice and obtains a payment link. The payment
// callback settles it exactly once: success credits the issued amount
// with the invoice id as reference, failure records a rejected
// reservation under the same reference so a late success cannot credit.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/admarket/internal/idempotency"
	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/telegram"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("invoice: not found")
	ErrInvalidAmount  = errors.New("invoice: amount out of range")
	ErrInvalidOutcome = errors.New("invoice: unknown outcome")
	ErrNotPayable     = errors.New("invoice: not payable")
)

const (
	MinAmount = 1
	MaxAmount = 100_000
)

// LedgerSource is the idempotency namespace of invoice credits.
const LedgerSource = "invoice"

// State is the settlement state of an invoice.
type State string

const (
	StateIssued State = "issued"
	StatePaid   State = "paid"
	StateFailed State = "failed"
)

// Outcome is the result reported by the payment callback.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Invoice is a points purchase.
type Invoice struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Amount     int64      `json:"amount"`
	Link       string     `json:"link"`
	State      State      `json:"state"`
	ChargeID   string     `json:"chargeId,omitempty"`
	MovementID string     `json:"movementId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
}

// Store persists invoices. MarkSettled moves an issued invoice to a final
// state and reports false when it was no longer issued.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error)
	MarkSettled(ctx context.Context, id string, state State, chargeID, movementID string) (bool, error)
}

// Issuer creates payment links.
type Issuer interface {
	CreateInvoiceLink(ctx context.Context, p telegram.InvoiceParams) (string, error)
}

// Creditor applies the purchase credit.
type Creditor interface {
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
}

// Reserver records terminal outcomes in the shared idempotency namespace.
type Reserver interface {
	Reserve(ctx context.Context, source, ref string, outcome idempotency.Outcome, movementID string) (idempotency.Reservation, error)
}

// Notifier tells the buyer about a completed purchase.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Service issues and settles invoices.
type Service struct {
	store    Store
	issuer   Issuer
	creditor Creditor
	guard    Reserver
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates an invoice service. guard must share its storage
// with the ledger's idempotency guard. notifier may be nil.
func NewService(store Store, issuer Issuer, creditor Creditor, guard Reserver, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		issuer:   issuer,
		creditor: creditor,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
	}
}

// Issue creates an invoice for amount points.
func (s *Service) Issue(ctx context.Context, userID string, amount int64) (*Invoice, error) {
	if amount < MinAmount || amount > MaxAmount {
		return nil, ErrInvalidAmount
	}

	id := idgen.WithPrefix("inv_")
	link, err := s.issuer.CreateInvoiceLink(ctx, telegram.InvoiceParams{
		Title:       fmt.Sprintf("%d points", amount),
		Description: fmt.Sprintf("Top up %d points to your AdMarket balance", amount),
		Payload:     id,
		Amount:      amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice link: %w", err)
	}

	inv := &Invoice{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Link:      link,
		State:     StateIssued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return nil, err
	}

	invoicesTotal.WithLabelValues(string(StateIssued)).Inc()
	s.logger.Info("invoice issued", "invoiceId", id, "userId", userID, "amount", amount)
	return inv, nil
}

// Get returns an invoice owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, ErrNotFound
	}
	return inv, nil
}

// List returns the user's invoices, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// CheckPayable validates a payment before the buyer is charged.
func (s *Service) CheckPayable(ctx context.Context, id string, fromUserID int64, amount int64) error {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inv.State != StateIssued {
		return fmt.Errorf("%w: invoice is %s", ErrNotPayable, inv.State)
	}
	if inv.UserID != strconv.FormatInt(fromUserID, 10) {
		return fmt.Errorf("%w: payer does not own invoice", ErrNotPayable)
	}
	if inv.Amount != amount {
		return fmt.Errorf("%w: amount %d does not match invoice", ErrNotPayable, amount)
	}
	return nil
}

// Settle applies the payment outcome. Repeated callbacks for a settled
// invoice return it unchanged.
func (s *Service) Settle(ctx context.Context, id string, outcome Outcome, chargeID string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case OutcomeSuccess:
		return s.settlePaid(ctx, inv, chargeID)
	case OutcomeFailure:
		return s.settleFailed(ctx, inv, chargeID)
	default:
		return nil, ErrInvalidOutcome
	}
}

func (s *Service) settlePaid(ctx context.Context, inv *Invoice, chargeID string) (*Invoice, error) {
	mv, err := s.creditor.Credit(ctx, ledger.Request{
		UserID:      inv.UserID,
		Currency:    money.Points,
		Amount:      decimal.NewFromInt(inv.Amount),
		Reason:      ledger.ReasonDeposit,
		Source:      LedgerSource,
		ExternalRef: inv.ID,
	})
	if errors.Is(err, ledger.ErrRejected) {
		s.logger.Warn("payment success after recorded failure ignored", "invoiceId", inv.ID, "chargeId", chargeID)
		return s.store.Get(ctx, inv.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit invoice: %w", err)
	}

	updated, err := s.store.MarkSettled(ctx, inv.ID, StatePaid, chargeID, mv.ID)
	if err != nil {
		// The credit is durable; the state catches up on the next callback.
		return nil, err
	}
	if updated {
		invoicesTotal.WithLabelValues(string(StatePaid)).Inc()
		s.logger.Info("invoice paid", "invoiceId", inv.ID, "userId", inv.UserID, "amount", inv.Amount, "movementId", mv.ID)
		s.notify(ctx, inv.UserID, fmt.Sprintf("+%d points credited to your balance.", inv.Amount))
	}
	return s.store.Get(ctx, inv.ID)
}

func (s *Service) settleFailed(ctx context.Context, inv *Invoice, chargeID string) (*Invoice, error) {
	res, err := s.guard.Reserve(ctx, LedgerSource, inv.ID, idempotency.OutcomeRejected, "")
	if err != nil {
		return nil, err
	}
	if res.AlreadyApplied() && res.Record.Outcome == idempotency.OutcomeApplied {
		s.logger.Warn("payment failure after credit ignored", "invoiceId", inv.ID)
		return s.store.Get(ctx, inv.ID)
	}

	updated, err := s.store.MarkSettled(ctx, inv.ID, StateFailed, chargeID, "")
	if err != nil {
		return nil, err
	}
	if updated {
		invoicesTotal.WithLabelValues(string(StateFailed)).Inc()
		s.logger.Info("invoice failed", "invoiceId", inv.ID, "userId", inv.UserID)
	}
	return s.store.Get(ctx, inv.ID)
}

func (s *Service) notify(ctx context.Context, userID, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, text); err != nil {
		s.logger.Debug("invoice notification failed", "userId", userID, "error", err)
	}
}
