package invoice

import "github.com/prometheus/client_golang/prometheus"

var invoicesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "invoices_total",
		Help:      "Invoice lifecycle events by resulting state.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(invoicesTotal)
}
