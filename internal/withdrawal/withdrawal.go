// Package withdrawal implements user payouts to external chain addresses.
//
// A request debits the ledger synchronously, so concurrent requests from
// one account can never withdraw more than it holds. A Processor then
// submits the transfer and follows it to finality:
//
//	pending_debit -> submitting -> submitted -> confirmed
//	pending_debit | submitting | submitted -> failed_refunded
//
// submitting is the processor's claim on a request while it broadcasts.
//
// A refund is a credit with reference id+":refund" and is applied at most
// once.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/traces"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("withdrawal: not found")
	ErrDuplicate           = errors.New("withdrawal: already exists")
	ErrStateConflict       = errors.New("withdrawal: state changed concurrently")
	ErrInvalidAddress      = errors.New("withdrawal: invalid destination address")
	ErrBelowMinimum        = errors.New("withdrawal: amount below minimum")
	ErrInvalidAmount       = errors.New("withdrawal: invalid amount")
	ErrUnsupportedCurrency = errors.New("withdrawal: currency cannot be withdrawn")
	ErrMemoTooLong         = errors.New("withdrawal: memo too long")
	ErrRequestClosed       = errors.New("withdrawal: request was already refunded")
)

// State is the lifecycle position of a withdrawal.
type State string

const (
	StatePendingDebit   State = "pending_debit"
	StateSubmitting     State = "submitting"
	StateSubmitted      State = "submitted"
	StateConfirmed      State = "confirmed"
	StateFailedRefunded State = "failed_refunded"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailedRefunded
}

// MaxMemoLength bounds the destination memo, in bytes.
const MaxMemoLength = 128

// LedgerSource is the idempotency namespace of withdrawal movements.
const LedgerSource = "withdrawal"

// RefundRef returns the reference of the compensating credit.
func RefundRef(id string) string {
	return id + ":refund"
}

// Withdrawal is a payout request.
type Withdrawal struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Currency       money.Currency  `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Total          decimal.Decimal `json:"total"`  // debited from the balance
	Payout         decimal.Decimal `json:"payout"` // sent on chain
	Destination    string          `json:"destination"`
	Memo           string          `json:"memo,omitempty"`
	State          State           `json:"state"`
	TxHash         string          `json:"txHash,omitempty"`
	SubmitAttempts int             `json:"submitAttempts"`
	ConfirmChecks  int             `json:"confirmChecks"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Policy is the fee schedule of one currency. With FeeIncluded the user
// pays Amount and receives Amount-Fee; otherwise the user pays Amount+Fee
// and receives Amount.
type Policy struct {
	Minimum     decimal.Decimal `json:"minimum"`
	Fee         decimal.Decimal `json:"fee"`
	FeeIncluded bool            `json:"feeIncluded"`
}

// DefaultPolicies returns the fee schedule for on-chain currencies.
func DefaultPolicies() map[money.Currency]Policy {
	return map[money.Currency]Policy{
		money.Coin: {
			Minimum: decimal.RequireFromString("0.1"),
			Fee:     decimal.RequireFromString("0.15"),
		},
		money.Stable: {
			Minimum:     decimal.NewFromInt(10),
			Fee:         decimal.RequireFromString("0.3"),
			FeeIncluded: true,
		},
	}
}

// Store persists withdrawals. Update writes w only if the stored state
// still equals expected, otherwise it returns ErrStateConflict.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Withdrawal, error)
	Update(ctx context.Context, w *Withdrawal, expected State) error
}

// Ledger is the subset of ledger operations withdrawals need.
type Ledger interface {
	Debit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Lookup(ctx context.Context, source, ref string) (*ledger.Movement, error)
}

// NewRequest is a user's payout instruction. IdempotencyKey is optional;
// with it, retries of the same request map to the same withdrawal.
type NewRequest struct {
	UserID         string
	Currency       money.Currency
	Amount         decimal.Decimal
	Destination    string
	Memo           string
	IdempotencyKey string
}

// Service accepts withdrawal requests.
type Service struct {
	store    Store
	ledger   Ledger
	policies map[money.Currency]Policy
	logger   *slog.Logger
}

// NewService creates a withdrawal service. A nil policies map uses
// DefaultPolicies.
func NewService(store Store, l Ledger, policies map[money.Currency]Policy, logger *slog.Logger) *Service {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Service{store: store, ledger: l, policies: policies, logger: logger}
}

// Policies returns the active fee schedule.
func (s *Service) Policies() map[money.Currency]Policy {
	return s.policies
}

// Quote validates a request and returns the fee breakdown without
// touching the ledger.
func (s *Service) Quote(req NewRequest) (fee, total, payout decimal.Decimal, err error) {
	policy, ok := s.policies[req.Currency]
	if !ok || !req.Currency.OnChain() {
		return fee, total, payout, ErrUnsupportedCurrency
	}
	if !chain.ValidAddress(req.Destination) {
		return fee, total, payout, ErrInvalidAddress
	}
	if len(req.Memo) > MaxMemoLength {
		return fee, total, payout, ErrMemoTooLong
	}
	if !req.Amount.IsPositive() {
		return fee, total, payout, ErrInvalidAmount
	}
	if err := money.Check(req.Currency, req.Amount); err != nil {
		return fee, total, payout, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if req.Amount.LessThan(policy.Minimum) {
		return fee, total, payout, ErrBelowMinimum
	}

	fee = policy.Fee
	if policy.FeeIncluded {
		total, payout = req.Amount, req.Amount.Sub(fee)
	} else {
		total, payout = req.Amount.Add(fee), req.Amount
	}
	if !payout.IsPositive() {
		return fee, total, payout, ErrBelowMinimum
	}
	return fee, total, payout, nil
}

// Request validates, debits and records a withdrawal in pending_debit.
// The returned bool is false when an existing request was returned for a
// repeated idempotency key.
func (s *Service) Request(ctx context.Context, req NewRequest) (*Withdrawal, bool, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.request",
		traces.UserID(req.UserID), traces.Currency(string(req.Currency)), traces.Amount(req.Amount.String()))
	defer span.End()

	fee, total, payout, err := s.Quote(req)
	if err != nil {
		return nil, false, err
	}

	id := idgen.WithPrefix("wd_")
	if req.IdempotencyKey != "" {
		id = idgen.Derived("wd_", req.UserID, req.IdempotencyKey)
		if existing, err := s.store.Get(ctx, id); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	mv, err := s.ledger.Debit(ctx, ledger.Request{
		UserID:      req.UserID,
		Currency:    req.Currency,
		Amount:      total,
		Reason:      ledger.ReasonWithdrawal,
		Source:      LedgerSource,
		ExternalRef: id,
	})
	if err != nil {
		return nil, false, err
	}
	if mv.Replayed {
		// An earlier attempt debited this id. Either it was refunded, or it
		// crashed before the record was stored and can be resumed.
		if _, err := s.ledger.Lookup(ctx, LedgerSource, RefundRef(id)); err == nil {
			return nil, false, ErrRequestClosed
		}
		if existing, err := s.store.Get(ctx, id); err == nil {
			return existing, false, nil
		}
	}

	now := time.Now().UTC()
	w := &Withdrawal{
		ID:          id,
		UserID:      req.UserID,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Fee:         fee,
		Total:       total,
		Payout:      payout,
		Destination: chain.NormalizeAddress(req.Destination),
		Memo:        req.Memo,
		State:       StatePendingDebit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		if mv.Replayed {
			return nil, false, fmt.Errorf("failed to record withdrawal: %w", err)
		}
		if _, rerr := s.refund(ctx, w); rerr != nil {
			s.logger.Error("CRITICAL: withdrawal debit not compensated",
				"withdrawalId", id, "userId", req.UserID, "total", total.String(), "error", rerr)
		}
		return nil, false, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	requestsTotal.WithLabelValues(string(req.Currency)).Inc()
	s.logger.Info("withdrawal accepted",
		"withdrawalId", id, "userId", req.UserID, "currency", string(req.Currency),
		"amount", req.Amount.String(), "fee", fee.String())
	return w, true, nil
}

func (s *Service) refund(ctx context.Context, w *Withdrawal) (*ledger.Movement, error) {
	return s.ledger.Credit(ctx, ledger.Request{
		UserID:      w.UserID,
		Currency:    w.Currency,
		Amount:      w.Total,
		Reason:      ledger.ReasonWithdrawal,
		Source:      LedgerSource,
		ExternalRef: RefundRef(w.ID),
	})
}

// Get returns a withdrawal owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, ErrNotFound
	}
	return w, nil
}

// List returns the user's withdrawals, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// InFlight sums the payouts debited from users but not yet confirmed on
// chain.
func (s *Service) InFlight(ctx context.Context, c money.Currency) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, st := range []State{StatePendingDebit, StateSubmitting, StateSubmitted} {
		list, err := s.store.ListByState(ctx, st, 10000)
		if err != nil {
			return decimal.Zero, err
		}
		for _, w := range list {
			if w.Currency == c {
				total = total.Add(w.Payout)
			}
		}
	}
	return total, nil
}
