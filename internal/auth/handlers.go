package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/telegram"
)

// Handler provides HTTP endpoints for sign-in.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes registers the public login route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/telegram", h.Login)
}

// RegisterProtectedRoutes registers routes that need a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

// LoginRequest carries the raw Mini App init data string.
type LoginRequest struct {
	InitData string `json:"init_data" binding:"required"`
}

// Login handles POST /v1/auth/telegram.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "init_data is required",
		})
		return
	}

	res, err := h.manager.Login(c.Request.Context(), req.InitData)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, telegram.ErrInitDataExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "init_data_expired", "message": "Reopen the app and try again."})
	case errors.Is(err, telegram.ErrInitDataInvalid),
		errors.Is(err, telegram.ErrInitDataMalformed),
		errors.Is(err, telegram.ErrInitDataMissing):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_init_data", "message": "Init data signature check failed."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed"})
	}
}

// Me handles GET /v1/me.
func (h *Handler) Me(c *gin.Context) {
	u, err := h.manager.User(c.Request.Context(), UserID(c))
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
