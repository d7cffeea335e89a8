// Package orders drives an ad placement from purchase to settlement.
//
//	draft -> writing_post -> pending_seller -> pending -> in_progress -> done
//	                                        \-----------> in_progress
//	draft | writing_post | pending_seller -> cancelled
//
// Purchase debits the buyer with reference order_escrow/<id> before the
// order leaves draft. Completion credits the seller and cancellation
// credits the buyer, both with reference order_settlement/<id>, so the
// escrow is paid out to exactly one party. Terminal transitions are
// persisted first and settled right after; the Timer settles any terminal
// order whose payout did not go through.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/admarket/internal/catalog"
	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/mbd888/admarket/internal/syncutil"
	"github.com/mbd888/admarket/internal/telegram"
	"github.com/mbd888/admarket/internal/traces"
	"github.com/mbd888/admarket/internal/validation"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrDuplicate         = errors.New("orders: already exists")
	ErrStateConflict     = errors.New("orders: state changed concurrently")
	ErrInvalidTransition = errors.New("orders: transition not allowed from current state")
	ErrForbidden         = errors.New("orders: caller is not a party to this order")
	ErrFormatUnavailable = errors.New("orders: format is not available")
	ErrSelfPurchase      = errors.New("orders: cannot buy placements on own channel")
	ErrEmptyPost         = errors.New("orders: post text is empty")
	ErrInvalidRef        = errors.New("orders: invalid published post reference")
	ErrNotDisputed       = errors.New("orders: order is not disputed")
)

// State is the lifecycle position of an order.
type State string

const (
	StateDraft         State = "draft"
	StateWritingPost   State = "writing_post"
	StatePendingSeller State = "pending_seller"
	StatePending       State = "pending"
	StateInProgress    State = "in_progress"
	StateDone          State = "done"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// Cancellable reports whether the seller has not yet acted on the order.
func (s State) Cancellable() bool {
	return s == StateDraft || s == StateWritingPost || s == StatePendingSeller
}

const (
	// EscrowSource is the idempotency namespace of escrow debits.
	EscrowSource = "order_escrow"

	// MaxPostLength bounds the buyer-authored post, in bytes.
	MaxPostLength = 4096

	tokenLength = 8
)

// Order is one purchased placement.
type Order struct {
	ID            string              `json:"id"`
	BuyerID       string              `json:"buyerId"`
	SellerID      string              `json:"sellerId"`
	ChannelID     string              `json:"channelId"`
	ChannelChatID int64               `json:"channelChatId"`
	FormatID      string              `json:"formatId"`
	Publication   catalog.Publication `json:"publication"`
	DurationHours int                 `json:"durationHours"`
	Currency      money.Currency      `json:"currency"`
	Price         decimal.Decimal     `json:"price"`
	Rate          *rates.Rate         `json:"rate,omitempty"` // set when the price was converted
	State         State               `json:"state"`

	PostText          string `json:"postText,omitempty"`
	PostToken         string `json:"postToken,omitempty"`
	VerificationToken string `json:"verificationToken,omitempty"`
	PublishedRef      string `json:"publishedRef,omitempty"`
	EscrowMovementID  string `json:"escrowMovementId,omitempty"`
	SettlementID      string `json:"settlementId,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	PublishedAt     *time.Time `json:"publishedAt,omitempty"`
	TokenConsumedAt *time.Time `json:"tokenConsumedAt,omitempty"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	DisputedAt      *time.Time `json:"disputedAt,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
}

// ViewFor returns a copy safe to show to userID. Only the buyer sees the
// link tokens.
func (o *Order) ViewFor(userID string) *Order {
	cp := *o
	if userID != o.BuyerID {
		cp.PostToken = ""
		cp.VerificationToken = ""
	}
	return &cp
}

// VerifyDue returns when the placement has been up for its full duration.
func (o *Order) VerifyDue() (time.Time, bool) {
	if o.PublishedAt == nil {
		return time.Time{}, false
	}
	return o.PublishedAt.Add(time.Duration(o.DurationHours) * time.Hour), true
}

func (o *Order) party(userID string) bool {
	return userID == o.BuyerID || userID == o.SellerID
}

// Store persists orders. Update writes o only if the stored state still
// equals expected, otherwise it returns ErrStateConflict.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPostToken(ctx context.Context, token string) (*Order, error)
	GetByVerificationToken(ctx context.Context, token string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Order, error)
	ListUnsettled(ctx context.Context, limit int) ([]*Order, error)
	Update(ctx context.Context, o *Order, expected State) error
	MarkSettled(ctx context.Context, id, movementID string, at time.Time) error
}

// Ledger is the subset of ledger operations orders need.
type Ledger interface {
	Debit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Lookup(ctx context.Context, source, ref string) (*ledger.Movement, error)
}

// Catalog resolves what is being bought.
type Catalog interface {
	Offer(ctx context.Context, channelID, formatID string) (*catalog.Offer, error)
}

// Converter prices coin orders from the stable list price.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to money.Currency, places int32) (rates.Conversion, error)
}

// Notifier delivers a text message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// CompletionHook is called once after an order's release is applied.
type CompletionHook interface {
	OrderCompleted(ctx context.Context, o *Order)
}

// PurchaseRequest selects a format and the currency to pay in.
type PurchaseRequest struct {
	ChannelID      string
	FormatID       string
	Currency       money.Currency
	IdempotencyKey string
}

// Service implements the order state machine.
type Service struct {
	store       Store
	ledger      Ledger
	catalog     Catalog
	rates       Converter
	botUsername string
	locks       *syncutil.KeyedMutex
	notifier    Notifier
	hooks       []CompletionHook
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates an order service. botUsername builds the links that
// continue the flow in the bot.
func NewService(store Store, l Ledger, cat Catalog, conv Converter, botUsername string, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		ledger:      l,
		catalog:     cat,
		rates:       conv,
		botUsername: botUsername,
		locks:       syncutil.NewKeyedMutex(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier enables user notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// AddCompletionHook registers a hook for completed orders.
func (s *Service) AddCompletionHook(h CompletionHook) {
	s.hooks = append(s.hooks, h)
}

// PostLink is the bot link where the buyer writes the post.
func (s *Service) PostLink(o *Order) string {
	return fmt.Sprintf("https://t.me/%s?start=post_%s", s.botUsername, o.PostToken)
}

// VerifyLink is the bot link that confirms the placement.
func (s *Service) VerifyLink(o *Order) string {
	return fmt.Sprintf("https://t.me/%s?start=verify_%s", s.botUsername, o.VerificationToken)
}

// Purchase creates an order and secures its escrow. On insufficient funds
// the order is returned in draft together with the error, so the buyer can
// top up and Pay later.
func (s *Service) Purchase(ctx context.Context, buyerID string, req PurchaseRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.purchase",
		traces.UserID(buyerID), traces.Currency(string(req.Currency)))
	defer span.End()

	if !req.Currency.Valid() {
		return nil, money.ErrUnknownCurrency
	}

	id := idgen.WithPrefix("ord_")
	if req.IdempotencyKey != "" {
		id = idgen.Derived("ord_", buyerID, req.IdempotencyKey)
		if existing, err := s.store.Get(ctx, id); err == nil {
			return s.replay(ctx, existing)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	offer, err := s.offer(ctx, req.ChannelID, req.FormatID)
	if err != nil {
		return nil, err
	}
	if offer.Channel.OwnerID == buyerID {
		return nil, ErrSelfPurchase
	}
	price, rate, err := s.price(ctx, offer.Format, req.Currency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:                id,
		BuyerID:           buyerID,
		SellerID:          offer.Channel.OwnerID,
		ChannelID:         offer.Channel.ID,
		ChannelChatID:     offer.Channel.TelegramID,
		FormatID:          offer.Format.ID,
		Publication:       offer.Format.Publication,
		DurationHours:     offer.Format.DurationHours,
		Currency:          req.Currency,
		Price:             price,
		Rate:              rate,
		State:             StateDraft,
		PostToken:         idgen.Token(tokenLength),
		VerificationToken: idgen.Token(tokenLength),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return s.replay(ctx, existing)
		}
		return nil, fmt.Errorf("failed to record order: %w", err)
	}
	ordersCreated.WithLabelValues(string(o.Currency)).Inc()

	unlock, err := s.locks.Lock(ctx, o.ID)
	if err != nil {
		return o, err
	}
	defer unlock()

	paid, err := s.escrow(ctx, o)
	if err != nil {
		return o, err
	}
	s.logger.Info("order purchased",
		"orderId", o.ID, "buyerId", buyerID, "sellerId", o.SellerID,
		"currency", string(o.Currency), "price", o.Price.String())
	return paid, nil
}

// replay answers a repeated purchase. An order still in draft was never
// paid, so its escrow is attempted again and a failure is returned with it.
func (s *Service) replay(ctx context.Context, o *Order) (*Order, error) {
	if o.State != StateDraft {
		return o, nil
	}
	unlock, err := s.locks.Lock(ctx, o.ID)
	if err != nil {
		return o, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if cur.State != StateDraft {
		return cur, nil
	}
	paid, err := s.escrow(ctx, cur)
	if err != nil {
		return cur, err
	}
	return paid, nil
}

// Pay retries the escrow of a draft order, optionally in another currency.
func (s *Service) Pay(ctx context.Context, buyerID, id string, currency money.Currency) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	if o.State != StateDraft {
		return nil, ErrInvalidTransition
	}

	if currency != "" && currency != o.Currency {
		// A crash may have left a debit in the old currency; that escrow wins.
		if _, err := s.ledger.Lookup(ctx, EscrowSource, o.ID); errors.Is(err, ledger.ErrMovementNotFound) {
			if err := s.reprice(ctx, o, currency); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}
	return s.escrow(ctx, o)
}

func (s *Service) reprice(ctx context.Context, o *Order, currency money.Currency) error {
	if !currency.Valid() {
		return money.ErrUnknownCurrency
	}
	offer, err := s.offer(ctx, o.ChannelID, o.FormatID)
	if err != nil {
		return err
	}
	price, rate, err := s.price(ctx, offer.Format, currency)
	if err != nil {
		return err
	}
	next := *o
	next.Currency, next.Price, next.Rate = currency, price, rate
	next.UpdatedAt = s.now()
	if err := s.store.Update(ctx, &next, StateDraft); err != nil {
		return err
	}
	*o = next
	return nil
}

// escrow debits the buyer and then moves the order out of draft. The
// caller holds the order lock.
func (s *Service) escrow(ctx context.Context, o *Order) (*Order, error) {
	mv, err := s.ledger.Debit(ctx, ledger.Request{
		UserID:      o.BuyerID,
		Currency:    o.Currency,
		Amount:      o.Price,
		Reason:      ledger.ReasonOrderEscrow,
		Source:      EscrowSource,
		ExternalRef: o.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, o, mv)
}

func (s *Service) markPaid(ctx context.Context, o *Order, mv *ledger.Movement) (*Order, error) {
	next := *o
	next.State = StateWritingPost
	next.Currency = mv.Currency
	next.Price = mv.Amount.Abs()
	next.EscrowMovementID = mv.ID
	next.UpdatedAt = s.now()

	err := s.store.Update(ctx, &next, StateDraft)
	if errors.Is(err, ErrStateConflict) {
		cur, gerr := s.store.Get(ctx, o.ID)
		if gerr != nil {
			return nil, gerr
		}
		switch cur.State {
		case StateWritingPost:
			return cur, nil
		case StateCancelled:
			// Cancelled while the debit was in flight; give it back even if
			// the cancel already found nothing to refund.
			if err := s.payout(ctx, cur); err != nil {
				s.logger.Error("CRITICAL: escrow debited on a cancelled order not refunded",
					"orderId", o.ID, "movementId", mv.ID, "error", err)
			}
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		s.logger.Error("escrow debited but order not advanced",
			"orderId", o.ID, "movementId", mv.ID, "error", err)
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StateWritingPost)).Inc()
	return &next, nil
}

// Resume advances a draft whose escrow was debited but whose transition
// was never persisted.
func (s *Service) Resume(ctx context.Context, id string) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.State != StateDraft {
		return o, nil
	}
	mv, err := s.ledger.Lookup(ctx, EscrowSource, o.ID)
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, o, mv)
}

// UpdatePost stores the buyer's post text while the order is being written.
func (s *Service) UpdatePost(ctx context.Context, buyerID, id, text string) (*Order, error) {
	text = strings.TrimSpace(validation.SanitizeString(text, MaxPostLength))
	if text == "" {
		return nil, ErrEmptyPost
	}
	return s.transition(ctx, id, func(o *Order) (State, error) {
		if o.BuyerID != buyerID {
			return "", ErrForbidden
		}
		if o.State != StateWritingPost {
			return "", ErrInvalidTransition
		}
		o.PostText = text
		return StateWritingPost, nil
	})
}

// SubmitPost sends the written post to the seller for review.
func (s *Service) SubmitPost(ctx context.Context, buyerID, id string) (*Order, error) {
	o, err := s.transition(ctx, id, func(o *Order) (State, error) {
		if o.BuyerID != buyerID {
			return "", ErrForbidden
		}
		if o.State != StateWritingPost {
			return "", ErrInvalidTransition
		}
		if o.PostText == "" {
			return "", ErrEmptyPost
		}
		return StatePendingSeller, nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, o.SellerID, fmt.Sprintf("Order %s is waiting for your review.", o.ID))
	return o, nil
}

// Approve is the seller's confirmation. With a published reference the
// order goes straight to in_progress; automatic publication requires one.
func (s *Service) Approve(ctx context.Context, sellerID, id, publishedRef string) (*Order, error) {
	o, err := s.transition(ctx, id, func(o *Order) (State, error) {
		if o.SellerID != sellerID {
			return "", ErrForbidden
		}
		if o.State != StatePendingSeller {
			return "", ErrInvalidTransition
		}
		if publishedRef == "" {
			if o.Publication == catalog.PublishAuto {
				return "", ErrInvalidRef
			}
			return StatePending, nil
		}
		if err := s.publish(o, publishedRef); err != nil {
			return "", err
		}
		return StateInProgress, nil
	})
	if err != nil {
		return nil, err
	}
	if o.State == StateInProgress {
		s.announcePublished(ctx, o)
	} else {
		s.notify(ctx, o.BuyerID, fmt.Sprintf("Order %s was approved and will be published soon.", o.ID))
	}
	return o, nil
}

// MarkPublished records where the seller published an approved post.
func (s *Service) MarkPublished(ctx context.Context, sellerID, id, publishedRef string) (*Order, error) {
	o, err := s.transition(ctx, id, func(o *Order) (State, error) {
		if o.SellerID != sellerID {
			return "", ErrForbidden
		}
		if o.State != StatePending {
			return "", ErrInvalidTransition
		}
		if err := s.publish(o, publishedRef); err != nil {
			return "", err
		}
		return StateInProgress, nil
	})
	if err != nil {
		return nil, err
	}
	s.announcePublished(ctx, o)
	return o, nil
}

func (s *Service) publish(o *Order, ref string) error {
	chatID, _, err := telegram.ParseMessageRef(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRef, err)
	}
	if o.ChannelChatID != 0 && chatID != o.ChannelChatID {
		return fmt.Errorf("%w: post is not in the ordered channel", ErrInvalidRef)
	}
	now := s.now()
	o.PublishedRef = ref
	o.PublishedAt = &now
	return nil
}

func (s *Service) announcePublished(ctx context.Context, o *Order) {
	s.notify(ctx, o.BuyerID, fmt.Sprintf(
		"Your ad for order %s is live. Confirm the placement here: %s", o.ID, s.VerifyLink(o)))
}

// Verify consumes a verification token and completes the order. A token
// that was already consumed returns the order unchanged.
func (s *Service) Verify(ctx context.Context, token string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.verify")
	defer span.End()

	found, err := s.store.GetByVerificationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.OrderID(found.ID))

	unlock, err := s.locks.Lock(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if o.TokenConsumedAt != nil || o.State == StateDone {
		verifyReplays.Inc()
		return o, nil
	}
	if o.State != StateInProgress {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	next := *o
	next.State = StateDone
	next.TokenConsumedAt = &now
	next.VerifiedAt = &now
	next.CompletedAt = &now
	next.UpdatedAt = now
	if err := s.store.Update(ctx, &next, StateInProgress); err != nil {
		if errors.Is(err, ErrStateConflict) {
			if cur, gerr := s.store.Get(ctx, o.ID); gerr == nil && cur.State == StateDone {
				return cur, nil
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StateDone)).Inc()
	s.logger.Info("order completed", "orderId", o.ID, "sellerId", o.SellerID)

	s.settleLogged(ctx, &next)
	s.notify(ctx, o.SellerID, fmt.Sprintf("Order %s is complete; %s %s was credited to your balance.",
		o.ID, money.Format(o.Currency, o.Price), o.Currency))
	return &next, nil
}

// Cancel is the buyer's withdrawal from an order the seller has not yet
// acted on. Escrowed funds are refunded.
func (s *Service) Cancel(ctx context.Context, buyerID, id string) (*Order, error) {
	o, err := s.cancel(ctx, id, func(o *Order) error {
		if o.BuyerID != buyerID {
			return ErrForbidden
		}
		if !o.State.Cancellable() {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, o.SellerID, fmt.Sprintf("Order %s was cancelled by the buyer.", o.ID))
	return o, nil
}

// Decline is the seller's rejection of a submitted post.
func (s *Service) Decline(ctx context.Context, sellerID, id string) (*Order, error) {
	o, err := s.cancel(ctx, id, func(o *Order) error {
		if o.SellerID != sellerID {
			return ErrForbidden
		}
		if o.State != StatePendingSeller {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, o.BuyerID, fmt.Sprintf("Order %s was declined by the seller and refunded.", o.ID))
	return o, nil
}

// ResolveDispute releases the escrow of a disputed placement to the seller.
// An in_progress order can only finish as done.
func (s *Service) ResolveDispute(ctx context.Context, id string) (*Order, error) {
	o, err := s.transition(ctx, id, func(o *Order) (State, error) {
		if o.State != StateInProgress || o.DisputedAt == nil {
			return "", ErrNotDisputed
		}
		now := s.now()
		o.CompletedAt = &now
		return StateDone, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order dispute resolved", "orderId", o.ID, "state", string(o.State))
	s.settleLogged(ctx, o)

	text := fmt.Sprintf("The dispute on order %s was resolved; funds were released to the seller.", o.ID)
	s.notify(ctx, o.BuyerID, text)
	s.notify(ctx, o.SellerID, text)
	return o, nil
}

func (s *Service) cancel(ctx context.Context, id string, check func(*Order) error) (*Order, error) {
	o, err := s.transition(ctx, id, func(o *Order) (State, error) {
		if err := check(o); err != nil {
			return "", err
		}
		now := s.now()
		o.CancelledAt = &now
		return StateCancelled, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order cancelled", "orderId", o.ID, "buyerId", o.BuyerID)
	s.settleLogged(ctx, o)
	return o, nil
}

// transition applies fn to the current order under its lock and persists
// the result if the state did not change underneath.
func (s *Service) transition(ctx context.Context, id string, fn func(o *Order) (State, error)) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.State
	if from.Terminal() {
		return nil, ErrInvalidTransition
	}

	next := *o
	to, err := fn(&next)
	if err != nil {
		return nil, err
	}
	next.State = to
	next.UpdatedAt = s.now()
	if err := s.store.Update(ctx, &next, from); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	if to != from {
		transitionsTotal.WithLabelValues(string(to)).Inc()
	}
	return &next, nil
}

// Settle pays out a terminal order's escrow if that has not happened yet.
func (s *Service) Settle(ctx context.Context, id string) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, o); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) settleLogged(ctx context.Context, o *Order) {
	if err := s.settle(ctx, o); err != nil {
		s.logger.Warn("order settlement deferred", "orderId", o.ID, "state", string(o.State), "error", err)
	}
}

// settle credits the seller of a done order or refunds the buyer of a
// cancelled one. Both credits share one reference, so whichever lands
// first is the only one ever applied.
func (s *Service) settle(ctx context.Context, o *Order) error {
	if o.SettledAt != nil || !o.State.Terminal() {
		return nil
	}
	return s.payout(ctx, o)
}

func (s *Service) payout(ctx context.Context, o *Order) error {
	escrow, err := s.ledger.Lookup(ctx, EscrowSource, o.ID)
	if errors.Is(err, ledger.ErrMovementNotFound) {
		// Never paid, nothing to give back.
		return s.store.MarkSettled(ctx, o.ID, "", s.now())
	}
	if err != nil {
		return err
	}

	req := ledger.Request{
		Currency:    escrow.Currency,
		Amount:      escrow.Amount.Abs(),
		Source:      ledger.SourceOrderSettlement,
		ExternalRef: o.ID,
	}
	if o.State == StateDone {
		req.UserID, req.Reason = o.SellerID, ledger.ReasonOrderRelease
	} else {
		req.UserID, req.Reason = o.BuyerID, ledger.ReasonOrderRefund
	}

	mv, err := s.ledger.Credit(ctx, req)
	if err != nil {
		return err
	}
	if mv.Reason != req.Reason {
		s.logger.Error("CRITICAL: order escrow was already paid to the other party",
			"orderId", o.ID, "state", string(o.State), "movementId", mv.ID, "reason", string(mv.Reason))
	}
	if err := s.store.MarkSettled(ctx, o.ID, mv.ID, s.now()); err != nil {
		return err
	}
	if !mv.Replayed {
		settlementsTotal.WithLabelValues(string(req.Reason)).Inc()
		if o.State == StateDone {
			for _, h := range s.hooks {
				h.OrderCompleted(ctx, o)
			}
		}
	}
	return nil
}

// Get returns an order visible to userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.party(userID) {
		return nil, ErrNotFound
	}
	return o.ViewFor(userID), nil
}

// ByPostToken resolves the post-writing link for its buyer.
func (s *Service) ByPostToken(ctx context.Context, buyerID, token string) (*Order, error) {
	o, err := s.store.GetByPostToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns orders where userID is buyer or seller, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Order, len(list))
	for i, o := range list {
		out[i] = o.ViewFor(userID)
	}
	return out, nil
}

// Disputed lists in-progress orders whose placement was found removed.
func (s *Service) Disputed(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	list, err := s.store.ListByState(ctx, StateInProgress, scanLimit)
	if err != nil {
		return nil, err
	}
	var out []*Order
	for _, o := range list {
		if o.DisputedAt != nil {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// scanLimit bounds the store scans behind Escrowed.
const scanLimit = 10000

// Escrowed sums the escrow still held for orders in currency c: every
// live order past draft plus terminal orders not yet paid out.
func (s *Service) Escrowed(ctx context.Context, c money.Currency) (decimal.Decimal, error) {
	total := decimal.Zero
	add := func(list []*Order) {
		for _, o := range list {
			if o.Currency == c && o.EscrowMovementID != "" {
				total = total.Add(o.Price)
			}
		}
	}
	for _, st := range []State{StateWritingPost, StatePendingSeller, StatePending, StateInProgress} {
		list, err := s.store.ListByState(ctx, st, scanLimit)
		if err != nil {
			return decimal.Zero, err
		}
		add(list)
	}
	list, err := s.store.ListUnsettled(ctx, scanLimit)
	if err != nil {
		return decimal.Zero, err
	}
	add(list)
	return total, nil
}

func (s *Service) offer(ctx context.Context, channelID, formatID string) (*catalog.Offer, error) {
	offer, err := s.catalog.Offer(ctx, channelID, formatID)
	if errors.Is(err, catalog.ErrChannelNotFound) || errors.Is(err, catalog.ErrFormatNotFound) {
		return nil, ErrFormatUnavailable
	}
	return offer, err
}

// price is the format's list price in c. Coin is converted from the
// stable price at the current rate and rounded to two decimals.
func (s *Service) price(ctx context.Context, f *catalog.Format, c money.Currency) (decimal.Decimal, *rates.Rate, error) {
	list, err := f.ListPrice(c)
	if errors.Is(err, catalog.ErrPriceUnavailable) {
		return decimal.Zero, nil, fmt.Errorf("%w: no %s price", ErrFormatUnavailable, c)
	}
	if err != nil {
		return decimal.Zero, nil, err
	}
	if c != money.Coin {
		return list, nil, nil
	}
	conv, err := s.rates.Convert(ctx, list, money.Stable, money.Coin, 2)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if !conv.Amount.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("%w: price rounds to zero", ErrFormatUnavailable)
	}
	r := conv.Rate
	return conv.Amount, &r, nil
}

func (s *Service) notify(ctx context.Context, userID, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, text); err != nil {
		s.logger.Warn("order notification failed", "userId", userID, "error", err)
	}
}
