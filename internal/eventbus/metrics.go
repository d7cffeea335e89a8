package eventbus

import "github.com/prometheus/client_golang/prometheus"

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "admarket",
	Subsystem: "eventbus",
	Name:      "events_total",
	Help:      "Events handed to the broker by type and result.",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(eventsTotal)
}
