package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Accounts whose balance disagreed with their journal in the last run.",
	})

	reconcileOnChainDiff = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "onchain_diff",
		Help:      "Wallet balance minus ledger liabilities in the last run.",
	}, []string{"currency"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileSolvent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "solvent",
		Help:      "1 when the last run found no mismatch or shortfall.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed run.",
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "admarket",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileOnChainDiff,
		reconcileDuration,
		reconcileSolvent,
		reconcileLastRun,
		reconcileErrors,
	)
}
