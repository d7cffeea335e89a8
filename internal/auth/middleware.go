package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

// Middleware reads an optional bearer token and, when valid, stores the
// user id in the context. Requests without a token pass through.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			if claims, err := m.Verify(token); err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session token required. Sign in via POST /v1/auth/telegram.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator endpoints with a static token in the
// X-Admin-Token header. An empty configured token disables the endpoints.
func RequireAdmin(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin token required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" if the request is
// anonymous.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
