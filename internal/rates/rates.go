// Package rates keeps explicit, timestamped conversion rates between the
// settlement currencies. Every conversion returns the rate it used so the
// caller can store it next to the converted amount.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrNoRate       = errors.New("rates: no rate recorded")
	ErrStaleRate    = errors.New("rates: rate is older than the allowed age")
	ErrInvalidRate  = errors.New("rates: rate must be positive")
	ErrPairMismatch = errors.New("rates: amount currency is not part of the rate pair")
)

// DefaultMaxAge is how long a fetched rate may be used.
const DefaultMaxAge = 2 * time.Hour

// SourceFallback marks rates synthesized from configured defaults.
const SourceFallback = "fallback"

// Pair identifies a rate: Value units of Quote per one unit of Base.
type Pair struct {
	Base  money.Currency `json:"base"`
	Quote money.Currency `json:"quote"`
}

func (p Pair) String() string { return string(p.Base) + "/" + string(p.Quote) }

var (
	// CoinStable is the coin price in stable units (coin/USD).
	CoinStable = Pair{Base: money.Coin, Quote: money.Stable}
	// StablePoints is how many points one stable unit buys (Stars per USD).
	StablePoints = Pair{Base: money.Stable, Quote: money.Points}
)

// Rate is an observed conversion rate.
type Rate struct {
	Base   money.Currency  `json:"base"`
	Quote  money.Currency  `json:"quote"`
	Value  decimal.Decimal `json:"value"`
	Source string          `json:"source"`
	AsOf   time.Time       `json:"asOf"`
}

// Pair returns the pair the rate belongs to.
func (r Rate) Pair() Pair { return Pair{Base: r.Base, Quote: r.Quote} }

// Conversion is a converted amount together with the rate used.
type Conversion struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency money.Currency  `json:"currency"`
	Rate     Rate            `json:"rate"`
}

// Convert converts amount of currency from through r, in either direction
// of the pair. The result is rounded half-even to places decimals.
func Convert(amount decimal.Decimal, from money.Currency, r Rate, places int32) (Conversion, error) {
	if !r.Value.IsPositive() {
		return Conversion{}, ErrInvalidRate
	}
	var out decimal.Decimal
	var to money.Currency
	switch from {
	case r.Base:
		out, to = amount.Mul(r.Value), r.Quote
	case r.Quote:
		out, to = amount.DivRound(r.Value, places+4), r.Base
	default:
		return Conversion{}, fmt.Errorf("%w: %s not in %s/%s", ErrPairMismatch, from, r.Base, r.Quote)
	}
	if places > to.Decimals() {
		places = to.Decimals()
	}
	return Conversion{Amount: out.RoundBank(places), Currency: to, Rate: r}, nil
}

// Store keeps the rate history.
type Store interface {
	Put(ctx context.Context, r Rate) error
	Latest(ctx context.Context, p Pair) (Rate, error)
}

// Service serves current rates.
type Service struct {
	store     Store
	maxAge    time.Duration
	fallbacks map[Pair]decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a rate service. A zero maxAge uses DefaultMaxAge.
func NewService(store Store, maxAge time.Duration, logger *slog.Logger) *Service {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Service{
		store:     store,
		maxAge:    maxAge,
		fallbacks: make(map[Pair]decimal.Decimal),
		logger:    logger,
		now:       time.Now,
	}
}

// SetFallback configures the value used for p when no fresh rate exists.
func (s *Service) SetFallback(p Pair, value decimal.Decimal) {
	s.fallbacks[p] = value
}

// Record validates and stores an observed rate.
func (s *Service) Record(ctx context.Context, r Rate) error {
	if !r.Value.IsPositive() {
		return ErrInvalidRate
	}
	if r.AsOf.IsZero() {
		r.AsOf = s.now().UTC()
	}
	if err := s.store.Put(ctx, r); err != nil {
		return err
	}
	rateValue.WithLabelValues(r.Pair().String()).Set(r.Value.InexactFloat64())
	return nil
}

// Current returns the latest rate for p if it is younger than the max age,
// otherwise the configured fallback stamped with the current time.
func (s *Service) Current(ctx context.Context, p Pair) (Rate, error) {
	r, err := s.store.Latest(ctx, p)
	if err != nil && !errors.Is(err, ErrNoRate) {
		return Rate{}, err
	}
	now := s.now().UTC()
	if err == nil && now.Sub(r.AsOf) <= s.maxAge {
		return r, nil
	}

	if v, ok := s.fallbacks[p]; ok {
		rateFallbacksTotal.WithLabelValues(p.String()).Inc()
		return Rate{Base: p.Base, Quote: p.Quote, Value: v, Source: SourceFallback, AsOf: now}, nil
	}
	if err != nil {
		return Rate{}, err
	}
	return Rate{}, fmt.Errorf("%w: %s as of %s", ErrStaleRate, p, r.AsOf.Format(time.RFC3339))
}

// Convert converts amount at the current rate of the pair containing from
// and to.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to money.Currency, places int32) (Conversion, error) {
	p := Pair{Base: from, Quote: to}
	r, err := s.Current(ctx, p)
	if errors.Is(err, ErrNoRate) || errors.Is(err, ErrStaleRate) {
		if rr, rerr := s.Current(ctx, Pair{Base: to, Quote: from}); rerr == nil {
			r, err = rr, nil
		}
	}
	if err != nil {
		return Conversion{}, err
	}
	return Convert(amount, from, r, places)
}
