package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/telegram"
)

const testBotToken = "42:test-bot-token"

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingHook struct {
	calls []string
}

func (r *recordingHook) UserLoggedIn(ctx context.Context, u *User, created bool, startParam string) {
	r.calls = append(r.calls, u.ID+"|"+strconv.FormatBool(created)+"|"+startParam)
}

func initData(userID int64, startParam string, at time.Time) string {
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(at.Unix(), 10))
	v.Set("user", `{"id":`+strconv.FormatInt(userID, 10)+`,"username":"u`+strconv.FormatInt(userID, 10)+`"}`)
	if startParam != "" {
		v.Set("start_param", startParam)
	}
	v.Set("hash", telegram.SignInitData(v, testBotToken))
	return v.Encode()
}

func newTestManager() *Manager {
	return NewManager(NewMemoryStore(), Config{
		BotToken:   testBotToken,
		JWTSecret:  "secret",
		TokenTTL:   time.Hour,
		InitMaxAge: time.Hour,
	})
}

func TestManager_LoginIssuesToken(t *testing.T) {
	m := newTestManager()
	hook := &recordingHook{}
	m.AddHook(hook)
	ctx := context.Background()

	res, err := m.Login(ctx, initData(1001, "ref_2002", time.Now()))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Created || res.User.ID != "1001" {
		t.Errorf("unexpected result: %+v", res)
	}

	claims, err := m.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "1001" || claims.Username != "u1001" {
		t.Errorf("claims = %+v", claims)
	}

	res2, err := m.Login(ctx, initData(1001, "", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Created {
		t.Error("second login should not create the user")
	}
	want := []string{"1001|true|ref_2002", "1001|false|"}
	if strings.Join(hook.calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook calls = %v, want %v", hook.calls, want)
	}
}

func TestManager_LoginRejectsBadInitData(t *testing.T) {
	m := newTestManager()
	raw := initData(1, "", time.Now())
	raw = strings.Replace(raw, "auth_date=", "auth_date=1", 1)
	if _, err := m.Login(context.Background(), raw); err == nil {
		t.Fatal("expected tampered init data to fail")
	}
}

func TestManager_VerifyRejects(t *testing.T) {
	m := newTestManager()
	token, _, _ := m.Issue(&User{ID: "7"})

	other := NewManager(NewMemoryStore(), Config{JWTSecret: "different"})
	if _, err := other.Verify(token); err != ErrInvalidToken {
		t.Errorf("wrong secret: got %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.Verify(token); err != ErrInvalidToken {
		t.Errorf("expired: got %v", err)
	}

	if _, err := m.Verify("not-a-jwt"); err != ErrInvalidToken {
		t.Errorf("garbage: got %v", err)
	}
}

func newRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/private", RequireAuth(), func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/admin", RequireAdmin("op-token"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestMiddleware(t *testing.T) {
	m := newTestManager()
	r := newRouter(m)
	token, _, _ := m.Issue(&User{ID: "555"})

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantBody   string
	}{
		{"anonymous open", "/open", nil, 200, ""},
		{"authenticated open", "/open", map[string]string{"Authorization": "Bearer " + token}, 200, "555"},
		{"anonymous private", "/private", nil, 401, ""},
		{"bad token private", "/private", map[string]string{"Authorization": "Bearer nope"}, 401, ""},
		{"authenticated private", "/private", map[string]string{"Authorization": "Bearer " + token}, 200, "555"},
		{"admin without token", "/admin", nil, 403, ""},
		{"admin wrong token", "/admin", map[string]string{"X-Admin-Token": "guess"}, 403, ""},
		{"admin", "/admin", map[string]string{"X-Admin-Token": "op-token"}, 204, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	m := newTestManager()
	r := gin.New()
	NewHandler(m).RegisterRoutes(r.Group("/v1"))

	body := `{"init_data":"` + initData(9, "", time.Now()) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/telegram", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"token"`) {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/telegram", strings.NewReader(`{"init_data":"hash=abc"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad init data status = %d", w.Code)
	}
}
