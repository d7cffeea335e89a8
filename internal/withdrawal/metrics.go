package withdrawal

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "withdrawal_requests_total",
			Help:      "Accepted withdrawal requests by currency.",
		},
		[]string{"currency"},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "withdrawal_transitions_total",
			Help:      "Withdrawal state transitions by currency and target state.",
		},
		[]string{"currency", "state"},
	)

	staleClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "admarket",
		Name:      "withdrawal_stale_claims",
		Help:      "Withdrawals left in submitting past the claim timeout.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, outcomesTotal, staleClaims)
}
