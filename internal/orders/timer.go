package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/admarket/internal/ledger"
)

// PlacementChecker reports whether a published post is still up.
type PlacementChecker interface {
	PostIntact(ctx context.Context, publishedRef string) (bool, error)
}

// draftGrace keeps the timer away from purchases still in flight.
const draftGrace = time.Minute

// Timer repairs and advances orders in the background:
//  1. drafts whose escrow was debited are moved to writing_post
//  2. terminal orders whose payout did not go through are settled
//  3. placements that stayed up for their full duration are verified
type Timer struct {
	service  *Service
	store    Store
	ledger   Ledger
	checker  PlacementChecker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an order timer. A nil checker disables automatic
// verification.
func NewTimer(service *Service, store Store, l Ledger, checker PlacementChecker, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		ledger:   l,
		checker:  checker,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in order timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over all three repairs.
func (t *Timer) Sweep(ctx context.Context) {
	now := t.service.now()
	t.resumeDrafts(ctx, now)
	t.settleTerminal(ctx)
	if t.checker != nil {
		t.verifyPlacements(ctx, now)
	}
}

func (t *Timer) resumeDrafts(ctx context.Context, now time.Time) {
	drafts, err := t.store.ListByState(ctx, StateDraft, 100)
	if err != nil {
		t.logger.Warn("failed to list draft orders", "error", err)
		return
	}
	for _, o := range drafts {
		if o.UpdatedAt.After(now.Add(-draftGrace)) {
			continue
		}
		if _, err := t.ledger.Lookup(ctx, EscrowSource, o.ID); err != nil {
			if !errors.Is(err, ledger.ErrMovementNotFound) {
				t.logger.Warn("failed to look up order escrow", "orderId", o.ID, "error", err)
			}
			continue
		}
		if _, err := t.service.Resume(ctx, o.ID); err != nil {
			t.logger.Warn("failed to resume paid draft", "orderId", o.ID, "error", err)
			continue
		}
		t.logger.Info("resumed paid draft order", "orderId", o.ID)
	}
}

func (t *Timer) settleTerminal(ctx context.Context) {
	unsettled, err := t.store.ListUnsettled(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list unsettled orders", "error", err)
		return
	}
	for _, o := range unsettled {
		if _, err := t.service.Settle(ctx, o.ID); err != nil {
			t.logger.Warn("failed to settle order", "orderId", o.ID, "state", string(o.State), "error", err)
			continue
		}
		t.logger.Info("settled order", "orderId", o.ID, "state", string(o.State))
	}
}

func (t *Timer) verifyPlacements(ctx context.Context, now time.Time) {
	live, err := t.store.ListByState(ctx, StateInProgress, 100)
	if err != nil {
		t.logger.Warn("failed to list live orders", "error", err)
		return
	}
	for _, o := range live {
		due, ok := o.VerifyDue()
		if !ok || now.Before(due) || o.DisputedAt != nil {
			continue
		}

		intact, err := t.checker.PostIntact(ctx, o.PublishedRef)
		if err != nil {
			t.logger.Warn("placement check failed", "orderId", o.ID, "error", err)
			continue
		}
		if !intact {
			t.dispute(ctx, o)
			continue
		}

		if _, err := t.service.Verify(ctx, o.VerificationToken); err != nil {
			t.logger.Warn("failed to verify placement", "orderId", o.ID, "error", err)
			continue
		}
		t.logger.Info("placement verified", "orderId", o.ID, "durationHours", o.DurationHours)
	}
}

// dispute flags an order whose post disappeared early. Funds stay in
// escrow until an operator resolves it.
func (t *Timer) dispute(ctx context.Context, o *Order) {
	now := t.service.now()
	next := *o
	next.DisputedAt = &now
	next.UpdatedAt = now
	if err := t.store.Update(ctx, &next, StateInProgress); err != nil {
		t.logger.Warn("failed to flag disputed order", "orderId", o.ID, "error", err)
		return
	}
	disputesTotal.Inc()
	t.logger.Warn("placement removed before its duration ended",
		"orderId", o.ID, "publishedRef", o.PublishedRef, "sellerId", o.SellerID)

	text := fmt.Sprintf("The post for order %s was removed before the placement period ended. The order is not confirmed.", o.ID)
	t.service.notify(ctx, o.BuyerID, text)
	if o.SellerID != o.BuyerID {
		t.service.notify(ctx, o.SellerID, text)
	}
}
