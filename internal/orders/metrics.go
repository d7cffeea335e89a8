package orders

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "orders_created_total",
			Help:      "Orders created by currency.",
		},
		[]string{"currency"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state.",
		},
		[]string{"state"},
	)

	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "order_settlements_total",
			Help:      "Applied order payouts by reason.",
		},
		[]string{"reason"},
	)

	verifyReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "order_verify_replays_total",
		Help:      "Verification tokens presented after they were consumed.",
	})

	disputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "order_disputes_total",
		Help:      "Placements removed before their duration ended.",
	})
)

func init() {
	prometheus.MustRegister(ordersCreated, transitionsTotal, settlementsTotal, verifyReplays, disputesTotal)
}
