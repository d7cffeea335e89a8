package exchange

import "github.com/prometheus/client_golang/prometheus"

var exchangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "admarket",
	Name:      "exchanges_total",
	Help:      "Completed points to stable exchanges.",
})

func init() {
	prometheus.MustRegister(exchangesTotal)
}
