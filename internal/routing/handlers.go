package routing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/money"
)

// Handler provides HTTP endpoints for deposit routes and linked wallets.
type Handler struct {
	service *Service
}

// NewHandler creates a new routing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routing endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deposits/:currency", h.GetRoute)
	r.GET("/wallets", h.ListWallets)
	r.POST("/wallets", h.LinkWallet)
	r.DELETE("/wallets/:address", h.UnlinkWallet)
}

// GetRoute handles GET /deposits/:currency
func (h *Handler) GetRoute(c *gin.Context) {
	currency, err := money.ParseCurrency(c.Param("currency"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}

	route, err := h.service.RouteFor(c.Request.Context(), auth.UserID(c), currency)
	if errors.Is(err, ErrUnsupportedCurrency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_currency",
			"message": "Deposits are not available for " + string(currency),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "route_error",
			"message": "Failed to allocate a deposit route",
		})
		return
	}
	c.JSON(http.StatusOK, route)
}

// LinkWalletRequest is the body of POST /wallets.
type LinkWalletRequest struct {
	Address string `json:"address" binding:"required"`
}

// LinkWallet handles POST /wallets
func (h *Handler) LinkWallet(c *gin.Context) {
	var req LinkWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}

	w, err := h.service.LinkWallet(c.Request.Context(), auth.UserID(c), req.Address)
	switch {
	case errors.Is(err, ErrInvalidWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Not a valid wallet address"})
	case errors.Is(err, ErrWalletTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet_taken", "message": "Wallet is linked to another account"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to link wallet"})
	default:
		c.JSON(http.StatusCreated, w)
	}
}

// ListWallets handles GET /wallets
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.service.Wallets(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to list wallets"})
		return
	}
	if wallets == nil {
		wallets = []*Wallet{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

// UnlinkWallet handles DELETE /wallets/:address
func (h *Handler) UnlinkWallet(c *gin.Context) {
	err := h.service.UnlinkWallet(c.Request.Context(), auth.UserID(c), c.Param("address"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet is not linked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to unlink wallet"})
		return
	}
	c.Status(http.StatusNoContent)
}
