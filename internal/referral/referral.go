// Package referral binds new users to the user who invited them and pays
// the inviter a one-time points bonus on the invitee's first qualifying
// completed order.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/orders"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("referral: not found")
	ErrBound    = errors.New("referral: user already has a referrer")
)

// LedgerSource is the idempotency namespace of bonus credits. The
// reference is the invitee id, so each invitee pays out at most once.
const LedgerSource = "referral_bonus"

const startPrefix = "ref_"

// Referral links an invitee to its referrer.
type Referral struct {
	UserID     string    `json:"userId"`
	ReferrerID string    `json:"referrerId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Policy configures the bonus.
type Policy struct {
	BonusPoints decimal.Decimal
	// MinPurchase is the smallest qualifying order price per currency.
	// Coin is derived from the stable threshold at the current rate when
	// not set.
	MinPurchase map[money.Currency]decimal.Decimal
}

// DefaultPolicy pays 50 points for an order of at least 1000 points or
// 25 stable.
func DefaultPolicy() Policy {
	return Policy{
		BonusPoints: decimal.NewFromInt(50),
		MinPurchase: map[money.Currency]decimal.Decimal{
			money.Points: decimal.NewFromInt(1000),
			money.Stable: decimal.NewFromInt(25),
		},
	}
}

// Store persists referrals. Bind fails with ErrBound when the user already
// has a referrer.
type Store interface {
	Bind(ctx context.Context, r *Referral) error
	Get(ctx context.Context, userID string) (*Referral, error)
	CountByReferrer(ctx context.Context, referrerID string) (int, error)
}

// Ledger credits the bonus.
type Ledger interface {
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
}

// Users checks that a referrer exists.
type Users interface {
	User(ctx context.Context, id string) (*auth.User, error)
}

// Converter prices the coin threshold.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to money.Currency, places int32) (rates.Conversion, error)
}

// Service implements auth.LoginHook and orders.CompletionHook.
type Service struct {
	store       Store
	ledger      Ledger
	users       Users
	rates       Converter
	policy      Policy
	botUsername string
	logger      *slog.Logger
}

// NewService creates a referral service. users and conv may be nil.
func NewService(store Store, l Ledger, users Users, conv Converter, policy Policy, botUsername string, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		ledger:      l,
		users:       users,
		rates:       conv,
		policy:      policy,
		botUsername: botUsername,
		logger:      logger,
	}
}

// Link is the invite link that carries userID as the start parameter.
func (s *Service) Link(userID string) string {
	return fmt.Sprintf("https://t.me/%s?startapp=%s%s", s.botUsername, startPrefix, userID)
}

// UserLoggedIn binds a first-time user to the referrer named in the start
// parameter.
func (s *Service) UserLoggedIn(ctx context.Context, u *auth.User, created bool, startParam string) {
	if !created || !strings.HasPrefix(startParam, startPrefix) {
		return
	}
	referrerID := strings.TrimPrefix(startParam, startPrefix)
	if referrerID == "" || referrerID == u.ID {
		return
	}
	if s.users != nil {
		if _, err := s.users.User(ctx, referrerID); err != nil {
			s.logger.Debug("ignoring unknown referrer", "userId", u.ID, "referrerId", referrerID)
			return
		}
	}

	err := s.store.Bind(ctx, &Referral{UserID: u.ID, ReferrerID: referrerID, CreatedAt: time.Now().UTC()})
	if errors.Is(err, ErrBound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to bind referral", "userId", u.ID, "referrerId", referrerID, "error", err)
		return
	}
	bindingsTotal.Inc()
	s.logger.Info("referral bound", "userId", u.ID, "referrerId", referrerID)
}

// OrderCompleted pays the buyer's referrer once the buyer completes a
// qualifying order.
func (s *Service) OrderCompleted(ctx context.Context, o *orders.Order) {
	ref, err := s.store.Get(ctx, o.BuyerID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to load referral", "userId", o.BuyerID, "error", err)
		return
	}

	ok, err := s.qualifies(ctx, o)
	if err != nil {
		s.logger.Warn("referral threshold unavailable", "orderId", o.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	mv, err := s.ledger.Credit(ctx, ledger.Request{
		UserID:      ref.ReferrerID,
		Currency:    money.Points,
		Amount:      s.policy.BonusPoints,
		Reason:      ledger.ReasonReferralCredit,
		Source:      LedgerSource,
		ExternalRef: o.BuyerID,
	})
	if err != nil {
		s.logger.Error("failed to credit referral bonus",
			"referrerId", ref.ReferrerID, "userId", o.BuyerID, "orderId", o.ID, "error", err)
		return
	}
	if mv.Replayed {
		return
	}
	bonusesTotal.Inc()
	s.logger.Info("referral bonus credited",
		"referrerId", ref.ReferrerID, "userId", o.BuyerID, "orderId", o.ID,
		"points", s.policy.BonusPoints.String())
}

func (s *Service) qualifies(ctx context.Context, o *orders.Order) (bool, error) {
	if !s.policy.BonusPoints.IsPositive() {
		return false, nil
	}
	threshold, ok := s.policy.MinPurchase[o.Currency]
	if !ok && o.Currency == money.Coin && s.rates != nil {
		stable, sok := s.policy.MinPurchase[money.Stable]
		if !sok {
			return true, nil
		}
		conv, err := s.rates.Convert(ctx, stable, money.Stable, money.Coin, 2)
		if err != nil {
			return false, err
		}
		threshold, ok = conv.Amount, true
	}
	if !ok {
		return true, nil
	}
	return o.Price.GreaterThanOrEqual(threshold), nil
}

// Stats summarizes a referrer's invitations.
type Stats struct {
	Link      string `json:"link"`
	Referrals int    `json:"referrals"`
	// ReferredBy is set when the caller was invited.
	ReferredBy string `json:"referredBy,omitempty"`
}

// Stats returns the caller's invite link and count.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	n, err := s.store.CountByReferrer(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &Stats{Link: s.Link(userID), Referrals: n}
	if ref, err := s.store.Get(ctx, userID); err == nil {
		st.ReferredBy = ref.ReferrerID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return st, nil
}
