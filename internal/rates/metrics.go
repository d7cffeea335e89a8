package rates

import "github.com/prometheus/client_golang/prometheus"

var (
	rateValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "admarket",
			Name:      "rate_value",
			Help:      "Latest recorded rate per pair.",
		},
		[]string{"pair"},
	)

	rateFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "rate_fallbacks_total",
			Help:      "Lookups answered with the configured fallback rate.",
		},
		[]string{"pair"},
	)

	rateFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admarket",
			Name:      "rate_fetches_total",
			Help:      "Rate fetch attempts by pair and result.",
		},
		[]string{"pair", "result"},
	)
)

func init() {
	prometheus.MustRegister(rateValue, rateFallbacksTotal, rateFetchesTotal)
}
