// Package metrics holds the process-wide Prometheus collectors: HTTP
// traffic, bot traffic, realtime fan-out and database pool stats.
// Domain packages that own richer metrics (ledger, reconciliation) register
// their own.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admarket"

var (
	// HTTPRequestsTotal counts requests by route template and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes latency by route template.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// HTTPInFlight is the number of requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	// TelegramUpdatesTotal counts bot webhook updates by kind.
	TelegramUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "updates_total",
			Help:      "Bot updates received by kind.",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts bot messages sent to users by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "notifications_total",
			Help:      "User notifications by result.",
		},
		[]string{"result"},
	)

	// RealtimeEventsTotal counts events pushed to websocket clients by type.
	RealtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Realtime events broadcast by type.",
		},
		[]string{"type"},
	)

	// ActiveWebSocketClients tracks connected websocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "active_clients",
		Help:      "Currently connected websocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		TelegramUpdatesTotal,
		NotificationsTotal,
		RealtimeEventsTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports pool statistics for db. Registering the same pool name
// twice is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route template.
// Unmatched routes are folded into one label value.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return gin.WrapH(h)
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
