// Package admin provides operator endpoints for resolving stuck financial
// states: disputed placements, unsettled orders and reconciliation.
package admin

import (
	"context"

	"github.com/mbd888/admarket/internal/orders"
	"github.com/mbd888/admarket/internal/reconciliation"
	"github.com/mbd888/admarket/internal/withdrawal"
)

// OrderService abstracts order operations for admin handlers.
type OrderService interface {
	Disputed(ctx context.Context, limit int) ([]*orders.Order, error)
	ResolveDispute(ctx context.Context, id string) (*orders.Order, error)
	Settle(ctx context.Context, id string) (*orders.Order, error)
}

// WithdrawalStore lists withdrawals by state.
type WithdrawalStore interface {
	ListByState(ctx context.Context, state withdrawal.State, limit int) ([]*withdrawal.Withdrawal, error)
}

// ReconciliationRunner runs reconciliation on demand.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}
