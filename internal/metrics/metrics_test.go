package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		200: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "unknown",
		999: "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/orders/:id", "2xx"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/orders/ord_123", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/orders/:id", "2xx"))
	assert.Equal(t, before+1, after)

	unmatchedBefore := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, unmatchedBefore+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))

	assert.Equal(t, float64(0), testutil.ToFloat64(HTTPInFlight))
}

func TestRegisterDB(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	require.NoError(t, RegisterDB(db, "metrics_test"))
	// Second registration of the same name is tolerated
	require.NoError(t, RegisterDB(db, "metrics_test"))
}

func TestMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"admarket_realtime_active_clients",
		"admarket_http_in_flight_requests",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
