package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/config"
	"github.com/mbd888/admarket/internal/telegram"
	"github.com/shopspring/decimal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testBotToken = "123456:test-token"

// testConfig returns a minimal in-memory config with the chain disabled
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		Version:              "test",
		BotToken:             testBotToken,
		BotUsername:          "admarket_bot",
		TelegramAPIURL:       "http://127.0.0.1:1",
		JWTSecret:            "test-secret",
		TokenTTL:             time.Hour,
		InitDataMaxAge:       time.Hour,
		AdminToken:           "admin-token",
		ChainID:              config.DefaultChainID,
		StableContract:       config.DefaultStableContract,
		RateMaxAge:           time.Hour,
		FallbackStablePoints: decimal.NewFromInt(50),
		ReferralBonusPoints:  decimal.NewFromInt(50),
		RateLimitRPM:         600,
		RateLimitBurst:       100,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func login(t *testing.T, s *Server, telegramID int64) string {
	t.Helper()
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("user", `{"id":`+strconv.FormatInt(telegramID, 10)+`,"username":"user`+strconv.FormatInt(telegramID, 10)+`"}`)
	v.Set("hash", telegram.SignInitData(v, testBotToken))

	body, _ := json.Marshal(map[string]string{"init_data": v.Encode()})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/telegram", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in login response: %s", w.Body.String())
	}
	return resp.Token
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint_WorkersNotStarted(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	// Run() has not started the background loops
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp.Status)
	}
	names := map[string]bool{}
	for _, c := range resp.Checks {
		names[c.Name] = true
	}
	if !names["order_timer"] || !names["rate_refresher"] {
		t.Errorf("Expected worker checks, got %+v", resp.Checks)
	}
	if names["withdrawal_processor"] {
		t.Error("withdrawal processor should not exist without a chain")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/telegram/webhook",
		"GET:/v1/platform",
		"POST:/v1/auth/telegram",
		"GET:/v1/me",
		"GET:/v1/balance",
		"GET:/v1/ledger/history",
		"GET:/v1/rates/:base/:quote",
		"POST:/v1/channels",
		"POST:/v1/orders",
		"POST:/v1/orders/:id/pay",
		"POST:/v1/orders/verify/:token",
		"POST:/v1/invoices",
		"GET:/v1/exchange/quote",
		"POST:/v1/exchange",
		"GET:/v1/deposits/:currency",
		"GET:/v1/referral",
		"GET:/v1/admin/orders/disputed",
		"POST:/v1/admin/orders/:id/resolve",
		"GET:/v1/admin/deposits/unattributed",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}

	// No chain, no payouts and no signed callback without a secret
	for _, absent := range []string{"POST:/v1/withdrawals", "POST:/v1/internal/invoices/callback"} {
		if routeSet[absent] {
			t.Errorf("Route %s should not be registered", absent)
		}
	}
}

func TestCallbackRouteRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.CallbackSecret = "callback-secret"
	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	defer s.rateLimiter.Stop()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/invoices/callback", strings.NewReader(`{}`))
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned callback, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Session flow
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestLoginThenBalance(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, 4242)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"balances"`) {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/orders/disputed", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/orders/disputed", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}

	// Reconciliation needs the chain
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without chain, got %d", w.Code)
	}
}

func TestPlatformEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/platform", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"bot":"admarket_bot"`) ||
		!strings.Contains(w.Body.String(), `"withdrawals":false`) {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://app:hunter2@db:5432/admarket?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %s", got)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
