// Package reconciliation checks that the ledger agrees with itself and that
// the platform wallet covers what the ledger owes users.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

// LedgerReader exposes the ledger's accounts and journal sums.
type LedgerReader interface {
	AllAccounts(ctx context.Context) ([]*ledger.Account, error)
	SumMovements(ctx context.Context, userID string, currency money.Currency) (decimal.Decimal, error)
}

// ChainBalances returns the platform wallet's on-chain balance.
type ChainBalances interface {
	Balance(ctx context.Context, c money.Currency) (decimal.Decimal, error)
}

// Liability is value the platform holds outside user balances: order
// escrow or debited withdrawals not yet confirmed on chain.
type Liability func(ctx context.Context, c money.Currency) (decimal.Decimal, error)

// Mismatch is an account whose cached balance disagrees with its journal.
type Mismatch struct {
	UserID   string          `json:"userId"`
	Currency money.Currency  `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Journal  decimal.Decimal `json:"journal"`
}

// OnChainResult holds the outcome of an on-chain check. Covered is false
// when the wallet holds less than the ledger owes by more than the alert
// threshold. A surplus is expected: withdrawal fees stay in the wallet.
type OnChainResult struct {
	Currency        money.Currency  `json:"currency"`
	Covered         bool            `json:"covered"`
	PlatformBalance decimal.Decimal `json:"platformBalance"`
	LedgerTotal     decimal.Decimal `json:"ledgerTotal"`
	Diff            decimal.Decimal `json:"diff"`
}

// Service performs reconciliation between ledger and on-chain state.
type Service struct {
	ledger      LedgerReader
	chain       ChainBalances
	liabilities []Liability
	thresholds  map[money.Currency]decimal.Decimal
}

// NewService creates a reconciliation service. chain may be nil, which
// disables on-chain checks.
func NewService(l LedgerReader, chain ChainBalances) *Service {
	return &Service{
		ledger: l,
		chain:  chain,
		thresholds: map[money.Currency]decimal.Decimal{
			money.Coin:   decimal.RequireFromString("0.01"),
			money.Stable: decimal.NewFromInt(1),
		},
	}
}

// AddLiability registers value held outside user balances.
func (s *Service) AddLiability(l Liability) {
	s.liabilities = append(s.liabilities, l)
}

// SetAlertThreshold sets the shortfall tolerated before c is flagged.
func (s *Service) SetAlertThreshold(c money.Currency, amount decimal.Decimal) {
	s.thresholds[c] = amount
}

// CheckLedger compares every account's balance with the sum of its
// movements.
func (s *Service) CheckLedger(ctx context.Context) ([]Mismatch, error) {
	accounts, err := s.ledger.AllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	var out []Mismatch
	totals := make(map[money.Currency]decimal.Decimal)
	for _, a := range accounts {
		totals[a.Currency] = totals[a.Currency].Add(a.Available)
		sum, err := s.ledger.SumMovements(ctx, a.UserID, a.Currency)
		if err != nil {
			return nil, fmt.Errorf("failed to sum movements for %s/%s: %w", a.UserID, a.Currency, err)
		}
		if !sum.Equal(a.Available) {
			out = append(out, Mismatch{UserID: a.UserID, Currency: a.Currency, Balance: a.Available, Journal: sum})
		}
	}
	for c, total := range totals {
		ledger.LedgerBalanceTotal.WithLabelValues(string(c)).Set(total.InexactFloat64())
	}
	return out, nil
}

// CheckOnChain compares the wallet balance in c against user balances plus
// registered liabilities.
func (s *Service) CheckOnChain(ctx context.Context, c money.Currency) (*OnChainResult, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("reconciliation: no chain wallet configured")
	}
	accounts, err := s.ledger.AllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	total := decimal.Zero
	for _, a := range accounts {
		if a.Currency == c {
			total = total.Add(a.Available)
		}
	}
	for _, l := range s.liabilities {
		v, err := l(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to sum liabilities: %w", err)
		}
		total = total.Add(v)
	}

	bal, err := s.chain.Balance(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to get on-chain balance: %w", err)
	}

	diff := bal.Sub(total)
	return &OnChainResult{
		Currency:        c,
		Covered:         diff.GreaterThanOrEqual(s.thresholds[c].Neg()),
		PlatformBalance: bal,
		LedgerTotal:     total,
		Diff:            diff,
	}, nil
}

// Report summarizes one reconciliation run.
type Report struct {
	LedgerMismatches []Mismatch      `json:"ledgerMismatches"`
	OnChain          []OnChainResult `json:"onChain"`
	Healthy          bool            `json:"healthy"`
	Duration         time.Duration   `json:"durationMs"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Runner runs every check and records the results.
type Runner struct {
	service    *Service
	currencies []money.Currency
	logger     *slog.Logger
}

// NewRunner creates a runner that checks the given on-chain currencies.
func NewRunner(service *Service, currencies []money.Currency, logger *slog.Logger) *Runner {
	return &Runner{service: service, currencies: currencies, logger: logger}
}

// RunAll runs the ledger check and one on-chain check per currency. A
// failing check is logged and counted; the others still run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Healthy: true, Timestamp: start.UTC()}

	mismatches, err := r.service.CheckLedger(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	report.LedgerMismatches = mismatches
	reconcileLedgerMismatches.Set(float64(len(mismatches)))
	for _, m := range mismatches {
		report.Healthy = false
		r.logger.Error("CRITICAL: ledger balance disagrees with journal",
			"userId", m.UserID, "currency", string(m.Currency),
			"balance", m.Balance.String(), "journal", m.Journal.String())
	}

	if r.service.chain != nil {
		for _, c := range r.currencies {
			res, err := r.service.CheckOnChain(ctx, c)
			if err != nil {
				reconcileErrors.Inc()
				r.logger.Warn("on-chain reconciliation failed", "currency", string(c), "error", err)
				continue
			}
			report.OnChain = append(report.OnChain, *res)
			diff, _ := res.Diff.Float64()
			reconcileOnChainDiff.WithLabelValues(string(c)).Set(diff)
			if !res.Covered {
				report.Healthy = false
				r.logger.Error("CRITICAL: platform wallet does not cover ledger",
					"currency", string(c), "wallet", res.PlatformBalance.String(),
					"ledger", res.LedgerTotal.String(), "diff", res.Diff.String())
			}
		}
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	if report.Healthy {
		r.logger.Debug("reconciliation passed", "duration", report.Duration)
	}
	return report, nil
}
