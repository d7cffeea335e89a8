// Package exchange converts platform points into the stable currency at
// the current Stars-per-USD rate.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/mbd888/admarket/internal/retry"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("exchange: amount must be a positive whole number of points")
	ErrAmountTooSmall   = errors.New("exchange: amount converts to zero")
	ErrRateOutOfRange   = errors.New("exchange: stars-per-USD rate out of range")
	ErrCreditIncomplete = errors.New("exchange: stable credit failed, points returned")
	ErrCreditUnknown    = errors.New("exchange: stable credit outcome unknown; retry with the same idempotency key")
	ErrExchangeClosed   = errors.New("exchange: request was reverted; use a new idempotency key")
)

// LedgerSource is the idempotency namespace of exchange movements.
const LedgerSource = "exchange"

// Stable amounts are rounded to cents.
const stablePlaces = 2

// Ledger is the subset of the ledger the exchange needs.
type Ledger interface {
	Debit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
	Lookup(ctx context.Context, source, ref string) (*ledger.Movement, error)
}

// RateSource serves the current rate of a pair.
type RateSource interface {
	Current(ctx context.Context, p rates.Pair) (rates.Rate, error)
}

// Result describes a completed exchange.
type Result struct {
	ID             string          `json:"id"`
	PointsSpent    decimal.Decimal `json:"pointsSpent"`
	StableReceived decimal.Decimal `json:"stableReceived"`
	Rate           rates.Rate      `json:"rate"`
	Replayed       bool            `json:"replayed,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Service performs points to stable exchanges.
type Service struct {
	ledger Ledger
	rates  RateSource
	logger *slog.Logger
}

// NewService creates an exchange service.
func NewService(l Ledger, r RateSource, logger *slog.Logger) *Service {
	return &Service{ledger: l, rates: r, logger: logger}
}

// Quote returns what amount points would yield now.
func (s *Service) Quote(ctx context.Context, points int64) (rates.Conversion, error) {
	if points <= 0 {
		return rates.Conversion{}, ErrInvalidAmount
	}
	rate, err := s.rates.Current(ctx, rates.StablePoints)
	if err != nil {
		return rates.Conversion{}, err
	}
	if rate.Value.LessThan(decimal.NewFromInt(rates.MinStarsPerUSD)) || rate.Value.GreaterThan(decimal.NewFromInt(rates.MaxStarsPerUSD)) {
		return rates.Conversion{}, fmt.Errorf("%w: %s", ErrRateOutOfRange, rate.Value)
	}
	conv, err := rates.Convert(decimal.NewFromInt(points), money.Points, rate, stablePlaces)
	if err != nil {
		return rates.Conversion{}, err
	}
	if !conv.Amount.IsPositive() {
		return rates.Conversion{}, ErrAmountTooSmall
	}
	return conv, nil
}

// PointsToStable debits points and credits the converted stable amount.
// With an idempotency key a repeated call returns the original result.
func (s *Service) PointsToStable(ctx context.Context, userID string, points int64, idempotencyKey string) (*Result, error) {
	conv, err := s.Quote(ctx, points)
	if err != nil {
		return nil, err
	}

	id := idgen.WithPrefix("ex_")
	if idempotencyKey != "" {
		id = idgen.Derived("ex_", userID, idempotencyKey)
	}

	out, err := s.ledger.Debit(ctx, ledger.Request{
		UserID:      userID,
		Currency:    money.Points,
		Amount:      decimal.NewFromInt(points),
		Reason:      ledger.ReasonExchange,
		Source:      LedgerSource,
		ExternalRef: id + ":out",
	})
	if err != nil {
		return nil, err
	}
	if out.Replayed {
		if _, err := s.ledger.Lookup(ctx, LedgerSource, id+":revert"); err == nil {
			return nil, ErrExchangeClosed
		} else if !errors.Is(err, ledger.ErrMovementNotFound) {
			return nil, err
		}
	}

	var in *ledger.Movement
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var cerr error
		in, cerr = s.ledger.Credit(ctx, ledger.Request{
			UserID:      userID,
			Currency:    money.Stable,
			Amount:      conv.Amount,
			Reason:      ledger.ReasonExchange,
			Source:      LedgerSource,
			ExternalRef: id + ":in",
		})
		if errors.Is(cerr, ledger.ErrInvalidAmount) {
			return retry.Permanent(cerr)
		}
		return cerr
	})
	if err != nil {
		// The credit may have committed with its answer lost in transit.
		landed, lerr := s.ledger.Lookup(context.WithoutCancel(ctx), LedgerSource, id+":in")
		switch {
		case lerr == nil:
			in = landed
		case errors.Is(lerr, ledger.ErrMovementNotFound):
			s.revert(ctx, userID, id, out.Amount.Neg(), err)
			return nil, fmt.Errorf("%w: %w", ErrCreditIncomplete, err)
		default:
			s.logger.Error("exchange credit outcome unknown, not reverting",
				"exchangeId", id, "userId", userID, "cause", err, "error", lerr)
			return nil, fmt.Errorf("%w: %w", ErrCreditUnknown, err)
		}
	}

	res := &Result{
		ID:             id,
		PointsSpent:    out.Amount.Neg(),
		StableReceived: in.Amount,
		Rate:           conv.Rate,
		Replayed:       out.Replayed,
		CreatedAt:      in.CreatedAt,
	}
	if !res.Replayed {
		exchangesTotal.Inc()
		s.logger.Info("points exchanged",
			"exchangeId", id, "userId", userID, "points", points,
			"stable", in.Amount.String(), "rate", conv.Rate.Value.String(), "rateSource", conv.Rate.Source)
	}
	return res, nil
}

func (s *Service) revert(ctx context.Context, userID, id string, points decimal.Decimal, cause error) {
	_, err := s.ledger.Credit(context.WithoutCancel(ctx), ledger.Request{
		UserID:      userID,
		Currency:    money.Points,
		Amount:      points,
		Reason:      ledger.ReasonExchange,
		Source:      LedgerSource,
		ExternalRef: id + ":revert",
	})
	if err != nil {
		s.logger.Error("exchange revert failed, manual correction needed",
			"exchangeId", id, "userId", userID, "points", points.String(), "cause", cause, "error", err)
		return
	}
	s.logger.Warn("exchange reverted", "exchangeId", id, "userId", userID, "cause", cause)
}
