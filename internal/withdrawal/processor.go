package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/retry"
	"github.com/mbd888/admarket/internal/traces"
)

// Notifier tells a user about the outcome of a withdrawal.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// ProcessorConfig tunes the payout worker.
type ProcessorConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxSubmitAttempts int // transient send failures before refunding
	MaxConfirmChecks  int // consecutive not_found checks before refunding
	ClaimTimeout      time.Duration
}

// DefaultProcessorConfig returns the worker defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:          20 * time.Second,
		BatchSize:         10,
		MaxSubmitAttempts: 5,
		MaxConfirmChecks:  30,
		ClaimTimeout:      10 * time.Minute,
	}
}

// Processor submits pending withdrawals and follows them to finality.
type Processor struct {
	store    Store
	sender   chain.Sender
	svc      *Service
	notifier Notifier
	cfg      ProcessorConfig
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewProcessor creates a payout worker. notifier may be nil.
func NewProcessor(svc *Service, sender chain.Sender, notifier Notifier, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	def := DefaultProcessorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = def.MaxSubmitAttempts
	}
	if cfg.MaxConfirmChecks <= 0 {
		cfg.MaxConfirmChecks = def.MaxConfirmChecks
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	return &Processor{
		store:    svc.store,
		sender:   sender,
		svc:      svc,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the processor loop is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Start runs the worker loop. Call in a goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeRun(ctx)
		}
	}
}

// Stop signals the worker loop to exit.
func (p *Processor) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Processor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in withdrawal processor", "panic", fmt.Sprint(r))
		}
	}()
	p.RunOnce(ctx)
}

// RunOnce submits one batch of pending withdrawals and checks one batch of
// submitted ones. Overlapping runs, in one process or across replicas, pay
// each request at most once.
func (p *Processor) RunOnce(ctx context.Context) {
	pending, err := p.store.ListByState(ctx, StatePendingDebit, p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("failed to list pending withdrawals", "error", err)
	}
	for _, w := range pending {
		p.submit(ctx, w)
	}

	submitted, err := p.store.ListByState(ctx, StateSubmitted, p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("failed to list submitted withdrawals", "error", err)
	}
	for _, w := range submitted {
		p.confirm(ctx, w)
	}

	p.reportStaleClaims(ctx)
}

func (p *Processor) submit(ctx context.Context, w *Withdrawal) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.submit", traces.WithdrawalID(w.ID))
	defer span.End()

	// A refund that already happened (compensated create) must not be paid.
	if _, err := p.svc.ledger.Lookup(ctx, LedgerSource, RefundRef(w.ID)); err == nil {
		p.finishRefunded(ctx, w, "refunded before submission")
		return
	}

	// Only the cycle that moves the request out of pending_debit may send it.
	w.State = StateSubmitting
	if err := p.update(ctx, w, StatePendingDebit); err != nil {
		if errors.Is(err, ErrStateConflict) {
			p.logger.Debug("withdrawal claimed by another cycle", "withdrawalId", w.ID)
			return
		}
		p.logger.Warn("failed to claim withdrawal", "withdrawalId", w.ID, "error", err)
		return
	}

	hash, err := p.sender.Send(ctx, chain.Payout{
		Currency: w.Currency,
		To:       w.Destination,
		Amount:   w.Payout,
		Memo:     w.Memo,
	})

	var sendErr *chain.SendError
	switch {
	case err == nil, errors.As(err, &sendErr) && sendErr.TxHash != "":
		if err != nil {
			hash = sendErr.TxHash
			w.LastError = err.Error()
			p.logger.Warn("withdrawal broadcast outcome unknown, tracking tx",
				"withdrawalId", w.ID, "txHash", hash, "error", err)
		}
		now := time.Now().UTC()
		w.State = StateSubmitted
		w.TxHash = hash
		w.SubmitAttempts++
		w.ConfirmChecks = 0
		w.SubmittedAt = &now
		span.SetAttributes(traces.TxHash(hash))
		if err := p.update(ctx, w, StateSubmitting); err != nil {
			p.logger.Error("CRITICAL: withdrawal broadcast but not recorded",
				"withdrawalId", w.ID, "txHash", hash, "error", err)
			return
		}
		outcomesTotal.WithLabelValues(string(w.Currency), "submitted").Inc()
		p.logger.Info("withdrawal submitted", "withdrawalId", w.ID, "txHash", hash)

	case errors.Is(err, chain.ErrUnavailable):
		w.SubmitAttempts++
		w.LastError = err.Error()
		if w.SubmitAttempts >= p.cfg.MaxSubmitAttempts {
			p.refund(ctx, w, fmt.Sprintf("chain unavailable after %d attempts", w.SubmitAttempts))
			return
		}
		// Nothing reached the node, so the claim is released for the next cycle.
		w.State = StatePendingDebit
		if err := p.update(ctx, w, StateSubmitting); err != nil {
			p.logger.Warn("failed to release withdrawal claim", "withdrawalId", w.ID, "error", err)
		}
		p.logger.Warn("withdrawal submission deferred",
			"withdrawalId", w.ID, "attempt", w.SubmitAttempts, "error", err)

	default:
		w.SubmitAttempts++
		w.LastError = err.Error()
		p.refund(ctx, w, "submission rejected: "+err.Error())
	}
}

// reportStaleClaims surfaces requests left in submitting by a cycle that
// died mid-send. Their broadcast outcome is unknown, so they are neither
// resent nor refunded automatically.
func (p *Processor) reportStaleClaims(ctx context.Context) {
	claimed, err := p.store.ListByState(ctx, StateSubmitting, p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("failed to list claimed withdrawals", "error", err)
		return
	}
	cutoff := time.Now().Add(-p.cfg.ClaimTimeout)
	stale := 0
	for _, w := range claimed {
		if w.UpdatedAt.After(cutoff) {
			continue
		}
		stale++
		p.logger.Error("withdrawal claim abandoned, needs manual review",
			"withdrawalId", w.ID, "userId", w.UserID, "claimedAt", w.UpdatedAt)
	}
	staleClaims.Set(float64(stale))
}

func (p *Processor) confirm(ctx context.Context, w *Withdrawal) {
	status, err := p.sender.Status(ctx, w.TxHash)
	if err != nil {
		// Unknown is never a failure.
		p.logger.Debug("withdrawal status unavailable", "withdrawalId", w.ID, "error", err)
		return
	}

	switch status {
	case chain.StatusConfirmed:
		now := time.Now().UTC()
		w.State = StateConfirmed
		w.CompletedAt = &now
		w.LastError = ""
		if err := p.update(ctx, w, StateSubmitted); err != nil {
			p.logger.Warn("failed to confirm withdrawal", "withdrawalId", w.ID, "error", err)
			return
		}
		outcomesTotal.WithLabelValues(string(w.Currency), "confirmed").Inc()
		p.logger.Info("withdrawal confirmed", "withdrawalId", w.ID, "txHash", w.TxHash)
		p.notify(ctx, w, fmt.Sprintf("Withdrawal of %s %s confirmed. Tx: %s", w.Payout.String(), w.Currency, w.TxHash))

	case chain.StatusFailed:
		p.refund(ctx, w, "transaction reverted")

	case chain.StatusNotFound:
		w.ConfirmChecks++
		if w.ConfirmChecks >= p.cfg.MaxConfirmChecks {
			p.refund(ctx, w, fmt.Sprintf("transaction not found after %d checks", w.ConfirmChecks))
			return
		}
		if err := p.update(ctx, w, StateSubmitted); err != nil {
			p.logger.Warn("failed to record confirm check", "withdrawalId", w.ID, "error", err)
		}

	case chain.StatusPending:
		if w.ConfirmChecks != 0 {
			w.ConfirmChecks = 0
			if err := p.update(ctx, w, StateSubmitted); err != nil {
				p.logger.Warn("failed to reset confirm checks", "withdrawalId", w.ID, "error", err)
			}
		}
	}
}

// refund credits the debited total back and closes the request. The
// credit is keyed by RefundRef, so a retry after a failed state update
// cannot pay twice.
func (p *Processor) refund(ctx context.Context, w *Withdrawal, reason string) {
	if _, err := p.svc.refund(ctx, w); err != nil {
		p.logger.Error("withdrawal refund failed, will retry",
			"withdrawalId", w.ID, "userId", w.UserID, "error", err)
		return
	}
	p.finishRefunded(ctx, w, reason)
}

func (p *Processor) finishRefunded(ctx context.Context, w *Withdrawal, reason string) {
	expected := w.State
	now := time.Now().UTC()
	w.State = StateFailedRefunded
	w.LastError = reason
	w.CompletedAt = &now
	if err := p.update(ctx, w, expected); err != nil {
		p.logger.Warn("failed to mark withdrawal refunded", "withdrawalId", w.ID, "error", err)
		return
	}
	outcomesTotal.WithLabelValues(string(w.Currency), "refunded").Inc()
	p.logger.Warn("withdrawal failed and refunded",
		"withdrawalId", w.ID, "userId", w.UserID, "total", w.Total.String(), "reason", reason)
	p.notify(ctx, w, fmt.Sprintf("Withdrawal of %s %s failed. %s %s returned to your balance.",
		w.Amount.String(), w.Currency, w.Total.String(), w.Currency))
}

// update persists a transition, retrying transient store errors.
func (p *Processor) update(ctx context.Context, w *Withdrawal, expected State) error {
	w.UpdatedAt = time.Now().UTC()
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := p.store.Update(ctx, w, expected)
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *Processor) notify(ctx context.Context, w *Withdrawal, text string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, w.UserID, text); err != nil {
		p.logger.Debug("withdrawal notification failed", "withdrawalId", w.ID, "error", err)
	}
}
