package watcher

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/money"
)

// Handler exposes operator endpoints for unattributed deposits.
type Handler struct {
	attributor *Attributor
}

// NewHandler creates a new watcher handler.
func NewHandler(a *Attributor) *Handler {
	return &Handler{attributor: a}
}

// RegisterAdminRoutes sets up operator routes on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/deposits/unattributed", h.ListUnattributed)
	r.POST("/deposits/attribute", h.Attribute)
}

// ListUnattributed handles GET /deposits/unattributed
func (h *Handler) ListUnattributed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	deposits, err := h.attributor.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list deposits"})
		return
	}
	if deposits == nil {
		deposits = []*Deposit{}
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits})
}

// AttributeRequest is the body of POST /deposits/attribute.
type AttributeRequest struct {
	Currency string `json:"currency" binding:"required"`
	Ref      string `json:"ref" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
}

// Attribute handles POST /deposits/attribute
func (h *Handler) Attribute(c *gin.Context) {
	var req AttributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "currency, ref and user_id are required"})
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}

	mv, err := h.attributor.AttributeDeposit(c.Request.Context(), currency, req.Ref, req.UserID)
	switch {
	case errors.Is(err, ErrDepositNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No unattributed deposit with that reference"})
	case errors.Is(err, ErrAlreadyAttributed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_attributed", "message": "Deposit was credited to another user"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to attribute deposit"})
	default:
		c.JSON(http.StatusOK, gin.H{"movement": mv})
	}
}
