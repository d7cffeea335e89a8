package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the solvency checks on a fixed cadence and keeps the most
// recent report for health probes.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer creates a reconciliation timer. A non-positive interval uses
// five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the report of the most recent completed run, or nil.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Solvent is false only when the last completed run found a problem. Before
// the first run it reports true.
func (t *Timer) Solvent() bool {
	r := t.last.Load()
	return r == nil || r.Healthy
}

// Start runs once immediately, then on every tick. Blocks until ctx is done
// or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop signals the loop to exit. It does not block.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// runOnce bounds each run by the interval so a hung RPC call cannot stack
// runs behind it.
func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	report, err := t.runner.RunAll(runCtx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.last.Store(report)
	reconcileLastRun.SetToCurrentTime()
	if report.Healthy {
		reconcileSolvent.Set(1)
		return
	}
	reconcileSolvent.Set(0)
	t.logger.Error("reconciliation found problems",
		"ledgerMismatches", len(report.LedgerMismatches),
		"onChainChecks", len(report.OnChain))
}
