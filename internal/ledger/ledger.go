// Package ledger tracks per-user balances in the three settlement currencies.
//
// Every balance change is exactly one Movement appended in the same atomic
// unit as the balance update, so an account's balance always equals the sum
// of its movements. Movements that carry an external reference are
// de-duplicated through the idempotency guard:
//  1. Deposits credit with the chain transaction hash or invoice id
//  2. Withdrawals debit with the request id and refund with id+":refund"
//  3. Orders debit escrow with the order id and settle with the order id
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/pagination"
	"github.com/mbd888/admarket/internal/traces"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrInvalidAccount    = errors.New("ledger: invalid account")
	ErrMovementNotFound  = errors.New("ledger: movement not found")
	ErrRejected          = errors.New("ledger: external reference was settled as rejected")
)

// Reason tags why a movement happened.
type Reason string

const (
	ReasonDeposit        Reason = "deposit"
	ReasonWithdrawal     Reason = "withdrawal"
	ReasonOrderEscrow    Reason = "order_escrow"
	ReasonOrderRelease   Reason = "order_release"
	ReasonOrderRefund    Reason = "order_refund"
	ReasonExchange       Reason = "exchange"
	ReasonReferralCredit Reason = "referral_credit"
)

// SourceOrderSettlement is the idempotency namespace shared by release and
// refund, so at most one of them can ever be recorded per order.
const SourceOrderSettlement = "order_settlement"

// DefaultSource returns the idempotency namespace used when a request does
// not name one.
func DefaultSource(r Reason) string {
	switch r {
	case ReasonOrderRelease, ReasonOrderRefund:
		return SourceOrderSettlement
	default:
		return string(r)
	}
}

// Movement is an immutable ledger entry.
type Movement struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Currency     money.Currency  `json:"currency"`
	Amount       decimal.Decimal `json:"amount"` // signed
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Reason       Reason          `json:"reason"`
	Source       string          `json:"source,omitempty"`
	ExternalRef  string          `json:"externalRef,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`

	// Replayed is set when the call matched an already-applied external
	// reference and the stored movement is returned unchanged.
	Replayed bool `json:"replayed,omitempty"`
}

// Account is one user's balance in one currency.
type Account struct {
	UserID    string          `json:"userId"`
	Currency  money.Currency  `json:"currency"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Request describes a credit or debit.
type Request struct {
	UserID      string
	Currency    money.Currency
	Amount      decimal.Decimal // positive; the sign comes from Credit/Debit
	Reason      Reason
	Source      string // idempotency namespace; DefaultSource(Reason) when empty
	ExternalRef string
}

// Posting is a signed balance change handed to a Store.
type Posting struct {
	MovementID  string
	UserID      string
	Currency    money.Currency
	Delta       decimal.Decimal
	Reason      Reason
	Source      string
	ExternalRef string
}

// Store persists accounts and movements. Apply must reserve the external
// reference (if any), check and update the balance, and append the
// movement as one atomic unit.
type Store interface {
	Apply(ctx context.Context, p Posting) (*Movement, error)
	Account(ctx context.Context, userID string, currency money.Currency) (*Account, error)
	Accounts(ctx context.Context, userID string) ([]*Account, error)
	AllAccounts(ctx context.Context) ([]*Account, error)
	Lookup(ctx context.Context, source, ref string) (*Movement, error)
	History(ctx context.Context, userID string, currency money.Currency, before *pagination.Cursor, limit int) ([]*Movement, error)
	SumMovements(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error)
}

// Observer is notified after a movement has been durably applied.
// Replayed movements are not reported.
type Observer interface {
	MovementApplied(ctx context.Context, m *Movement)
}

// Ledger validates requests and applies them through a Store.
type Ledger struct {
	store     Store
	logger    *slog.Logger
	mu        sync.RWMutex
	observers []Observer
}

// New creates a new ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// AddObserver registers an observer for applied movements.
func (l *Ledger) AddObserver(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Credit adds funds to an account.
func (l *Ledger) Credit(ctx context.Context, req Request) (*Movement, error) {
	return l.post(ctx, "credit", req, false)
}

// Debit removes funds from an account. It fails with ErrInsufficientFunds
// when the amount exceeds the balance at the moment of the atomic update.
func (l *Ledger) Debit(ctx context.Context, req Request) (*Movement, error) {
	return l.post(ctx, "debit", req, true)
}

func (l *Ledger) post(ctx context.Context, op string, req Request, negate bool) (*Movement, error) {
	done := observeOp(op)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.UserID(req.UserID),
		traces.Currency(string(req.Currency)),
		traces.Amount(req.Amount.String()),
		traces.Reference(req.ExternalRef),
	)
	defer span.End()

	if err := validate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = DefaultSource(req.Reason)
	}
	delta := req.Amount
	if negate {
		delta = delta.Neg()
	}

	m, err := l.store.Apply(ctx, Posting{
		MovementID:  idgen.Sortable(),
		UserID:      req.UserID,
		Currency:    req.Currency,
		Delta:       delta,
		Reason:      req.Reason,
		Source:      source,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			LedgerRejectionsTotal.WithLabelValues(string(req.Currency)).Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if m.Replayed {
		LedgerReplaysTotal.WithLabelValues(source).Inc()
		l.logger.Debug("ledger reference already applied",
			"source", source, "ref", req.ExternalRef, "movementId", m.ID)
		return m, nil
	}

	l.notify(ctx, m)
	return m, nil
}

func validate(req Request) error {
	if req.UserID == "" {
		return ErrInvalidAccount
	}
	if !req.Currency.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidAccount, money.ErrUnknownCurrency)
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := money.Check(req.Currency, req.Amount); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	switch req.Reason {
	case ReasonDeposit, ReasonWithdrawal, ReasonOrderEscrow, ReasonOrderRelease,
		ReasonOrderRefund, ReasonExchange, ReasonReferralCredit:
	default:
		return fmt.Errorf("ledger: unknown reason %q", req.Reason)
	}
	return nil
}

func (l *Ledger) notify(ctx context.Context, m *Movement) {
	l.mu.RLock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.RUnlock()

	for _, o := range observers {
		o.MovementApplied(ctx, m)
	}
}

// Balance returns the available balance of one account.
func (l *Ledger) Balance(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error) {
	acct, err := l.store.Account(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Available, nil
}

// Balances returns one account per currency for the user, including
// zero-balance accounts that have never been touched.
func (l *Ledger) Balances(ctx context.Context, userID string) ([]*Account, error) {
	accounts, err := l.store.Accounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	byCurrency := make(map[money.Currency]*Account, len(accounts))
	for _, a := range accounts {
		byCurrency[a.Currency] = a
	}
	out := make([]*Account, 0, len(money.All))
	for _, c := range money.All {
		if a, ok := byCurrency[c]; ok {
			out = append(out, a)
			continue
		}
		out = append(out, &Account{UserID: userID, Currency: c, Available: decimal.Zero})
	}
	return out, nil
}

// Lookup returns the movement recorded for (source, ref), or
// ErrMovementNotFound.
func (l *Ledger) Lookup(ctx context.Context, source, ref string) (*Movement, error) {
	return l.store.Lookup(ctx, source, ref)
}

// History returns the user's movements, newest first. An empty currency
// returns all currencies.
func (l *Ledger) History(ctx context.Context, userID string, currency money.Currency, limit int) ([]*Movement, error) {
	if limit <= 0 || limit > maxHistoryPage {
		limit = defaultHistoryPage
	}
	return l.store.History(ctx, userID, currency, nil, limit)
}

const (
	defaultHistoryPage = 50
	maxHistoryPage     = 500
)

// HistoryPage returns one page of movements older than cursor, plus the
// cursor for the next page. An empty cursor starts at the newest movement.
func (l *Ledger) HistoryPage(ctx context.Context, userID string, currency money.Currency, cursor string, limit int) ([]*Movement, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = defaultHistoryPage
	}
	items, err := l.store.History(ctx, userID, currency, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(mv *Movement) (time.Time, string) {
		return mv.CreatedAt, mv.ID
	})
	return page, next, nil
}

// AllAccounts lists every account; used by reconciliation.
func (l *Ledger) AllAccounts(ctx context.Context) ([]*Account, error) {
	return l.store.AllAccounts(ctx)
}

// SumMovements recomputes an account balance from its movement log.
func (l *Ledger) SumMovements(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error) {
	return l.store.SumMovements(ctx, userID, currency)
}
