package watcher

import "github.com/prometheus/client_golang/prometheus"

var (
	depositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "watcher_deposits_total",
			Help:      "Observed deposits by currency and outcome.",
		},
		[]string{"currency", "outcome"},
	)

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "watcher_polls_total",
			Help:      "Deposit polls by currency and result.",
		},
		[]string{"currency", "result"},
	)

	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admarket",
			Name:      "watcher_poll_duration_seconds",
			Help:      "Deposit poll duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"currency"},
	)

	cursorBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "admarket",
			Name:      "watcher_cursor_block",
			Help:      "Next block the watcher will scan.",
		},
		[]string{"currency"},
	)
)

func init() {
	prometheus.MustRegister(depositsTotal, pollsTotal, pollDuration, cursorBlock)
}
