package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("ip:1.2.3.4") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("ip:1.2.3.4") {
		t.Error("Request after burst should be denied")
	}
	if !limiter.Allow("ip:5.6.7.8") {
		t.Error("Another client should have its own bucket")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 1}) // 10 per second
	defer limiter.Stop()

	if !limiter.Allow("k") {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow("k") {
		t.Fatal("Second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow("k") {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestAllowScope_Unconfigured(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		if !limiter.AllowScope(ScopeWrites, "k") {
			t.Fatal("write scope without a policy should never limit")
		}
	}
	if limiter.Size() != 0 {
		t.Errorf("unconfigured scope created %d buckets", limiter.Size())
	}
}

func TestEvictIdle(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }
	limiter.Allow("old")
	limiter.now = func() time.Time { return now.Add(10 * time.Minute) }
	limiter.Allow("fresh")

	limiter.evictIdle(now.Add(5 * time.Minute))
	if limiter.Size() != 1 {
		t.Errorf("expected only the fresh bucket to survive, have %d", limiter.Size())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 120 || cfg.BurstSize != 20 {
		t.Errorf("unexpected general limits: %+v", cfg)
	}
	if cfg.WritesPerMinute != 30 || cfg.WriteBurst != 5 {
		t.Errorf("unexpected write limits: %+v", cfg)
	}
}

func newRouter(limiter *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r *gin.Engine, method, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", nil)
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_KeysByUser(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	defer limiter.Stop()
	r := newRouter(limiter)

	if w := do(r, http.MethodGet, "1"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do(r, http.MethodGet, "1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if w := do(r, http.MethodGet, "2"); w.Code != http.StatusOK {
		t.Errorf("another user shares the client IP but not the bucket: %d", w.Code)
	}
}

func TestMiddleware_WritesHaveTheirOwnCeiling(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 100, WritesPerMinute: 6, WriteBurst: 2})
	defer limiter.Stop()
	r := newRouter(limiter)

	for i := 0; i < 2; i++ {
		if w := do(r, http.MethodPost, "1"); w.Code != http.StatusOK {
			t.Fatalf("write %d: %d", i, w.Code)
		}
	}
	w := do(r, http.MethodPost, "1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third write: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After = %q, want 10", got)
	}

	// Reads still flow once the write bucket is empty
	if w := do(r, http.MethodGet, "1"); w.Code != http.StatusOK {
		t.Errorf("read after write limit: %d", w.Code)
	}
}
