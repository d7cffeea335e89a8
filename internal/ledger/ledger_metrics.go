package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admarket",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerRejectionsTotal counts debits refused for insufficient funds.
	LedgerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "ledger_insufficient_funds_total",
			Help:      "Debits rejected for insufficient funds by currency.",
		},
		[]string{"currency"},
	)

	// LedgerReplaysTotal counts calls answered from an existing reference.
	LedgerReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "ledger_replays_total",
			Help:      "Ledger calls that matched an already-applied external reference.",
		},
		[]string{"source"},
	)

	// LedgerBalanceTotal tracks the sum of available balances per currency.
	LedgerBalanceTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "admarket",
			Name:      "ledger_balance_available_total",
			Help:      "Sum of all available balances by currency.",
		},
		[]string{"currency"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerRejectionsTotal,
		LedgerReplaysTotal,
		LedgerBalanceTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
