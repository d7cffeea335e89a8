// Package watcher polls chain sources for deposits to the platform
// addresses and credits them to the ledger.
//
// Each monitored currency has its own Watcher with a persisted cursor.
// The cursor moves only after every transfer of a batch was either
// credited or recorded as unattributed, so a crash mid-batch replays the
// batch and the ledger's idempotency guard absorbs the duplicates.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/routing"
	"golang.org/x/sync/singleflight"
)

// Resolver maps a transfer to the user it belongs to.
type Resolver interface {
	Resolve(ctx context.Context, t chain.Transfer) (string, error)
}

// Creditor applies deposit credits.
type Creditor interface {
	Credit(ctx context.Context, req ledger.Request) (*ledger.Movement, error)
}

// Lease serializes polling of one address across replicas. Acquire
// returns ok=false when another holder has it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// LedgerSource returns the idempotency namespace for deposits of a
// currency.
func LedgerSource(t chain.Transfer) string {
	return "chain:" + string(t.Currency)
}

// Config tunes a Watcher.
type Config struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		LeaseTTL:     time.Minute,
	}
}

// Result summarizes one poll.
type Result struct {
	Credited     int
	Duplicates   int
	Unattributed int
	Cursor       uint64
	Skipped      bool // lease held elsewhere
}

// Watcher polls one chain source.
type Watcher struct {
	source   chain.Source
	resolver Resolver
	creditor Creditor
	store    Store
	lease    Lease
	cfg      Config
	logger   *slog.Logger

	group   singleflight.Group
	stop    chan struct{}
	running atomic.Bool
}

// New creates a deposit watcher. lease may be nil for single-replica
// deployments.
func New(source chain.Source, resolver Resolver, creditor Creditor, store Store, lease Lease, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	return &Watcher{
		source:   source,
		resolver: resolver,
		creditor: creditor,
		store:    store,
		lease:    lease,
		cfg:      cfg,
		logger:   logger.With("currency", string(source.Currency())),
		stop:     make(chan struct{}),
	}
}

func (w *Watcher) key() string {
	return string(w.source.Currency()) + ":" + chain.NormalizeAddress(w.source.Address())
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start runs the poll loop until ctx is done or Stop is called. Call in a
// goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("deposit watcher started",
		"address", w.source.Address(), "interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safePoll(ctx)
		}
	}
}

// Stop signals the poll loop to exit.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in deposit watcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.Poll(ctx); err != nil {
		w.logger.Warn("deposit poll failed", "error", err)
	}
}

// Poll runs one cycle. Concurrent callers for the same address share a
// single in-flight cycle.
func (w *Watcher) Poll(ctx context.Context) (Result, error) {
	v, err, _ := w.group.Do(w.key(), func() (any, error) {
		return w.poll(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (w *Watcher) poll(ctx context.Context) (Result, error) {
	start := time.Now()
	currency := string(w.source.Currency())
	defer func() {
		pollDuration.WithLabelValues(currency).Observe(time.Since(start).Seconds())
	}()

	if w.lease != nil {
		release, ok, err := w.lease.Acquire(ctx, "watcher:"+w.key(), w.cfg.LeaseTTL)
		if err != nil {
			return Result{}, fmt.Errorf("acquire poll lease: %w", err)
		}
		if !ok {
			return Result{Skipped: true}, nil
		}
		defer release()
	}

	cursor, err := w.store.Cursor(ctx, w.key())
	if err != nil {
		return Result{}, fmt.Errorf("load cursor: %w", err)
	}

	transfers, next, err := w.source.Fetch(ctx, cursor)
	if err != nil {
		pollsTotal.WithLabelValues(currency, "fetch_error").Inc()
		return Result{Cursor: cursor}, fmt.Errorf("fetch transfers: %w", err)
	}

	res := Result{Cursor: cursor}
	for _, t := range transfers {
		if err := w.handle(ctx, t, &res); err != nil {
			pollsTotal.WithLabelValues(currency, "credit_error").Inc()
			return res, err
		}
	}

	if next != cursor {
		if err := w.store.SaveCursor(ctx, w.key(), next); err != nil {
			return res, fmt.Errorf("save cursor: %w", err)
		}
		res.Cursor = next
		cursorBlock.WithLabelValues(currency).Set(float64(next))
	}
	pollsTotal.WithLabelValues(currency, "ok").Inc()
	return res, nil
}

func (w *Watcher) handle(ctx context.Context, t chain.Transfer, res *Result) error {
	currency := string(t.Currency)

	userID, err := w.resolver.Resolve(ctx, t)
	if errors.Is(err, routing.ErrUnresolvedDeposit) {
		if err := w.store.RecordUnattributed(ctx, depositFromTransfer(t)); err != nil {
			return fmt.Errorf("record unattributed %s: %w", t.Ref(), err)
		}
		depositsTotal.WithLabelValues(currency, "unattributed").Inc()
		res.Unattributed++
		w.logger.Warn("skipping unattributed deposit",
			"ref", t.Ref(), "from", t.From, "amount", t.Amount.String(), "memo", t.Memo)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve %s: %w", t.Ref(), err)
	}

	mv, err := w.creditor.Credit(ctx, ledger.Request{
		UserID:      userID,
		Currency:    t.Currency,
		Amount:      t.Amount,
		Reason:      ledger.ReasonDeposit,
		Source:      LedgerSource(t),
		ExternalRef: t.Ref(),
	})
	if errors.Is(err, ledger.ErrInvalidAmount) {
		// Zero-value transfers can never be credited.
		depositsTotal.WithLabelValues(currency, "invalid").Inc()
		w.logger.Warn("skipping deposit with invalid amount", "ref", t.Ref(), "amount", t.Amount.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("credit %s: %w", t.Ref(), err)
	}
	if mv.Replayed {
		depositsTotal.WithLabelValues(currency, "duplicate").Inc()
		res.Duplicates++
		return nil
	}

	depositsTotal.WithLabelValues(currency, "credited").Inc()
	res.Credited++
	w.logger.Info("deposit credited",
		"userId", userID, "ref", t.Ref(), "amount", t.Amount.String(), "movementId", mv.ID)
	return nil
}
