package withdrawal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up withdrawal routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals/info", h.Info)
	r.POST("/withdrawals", h.Create)
	r.GET("/withdrawals", h.List)
	r.GET("/withdrawals/:id", h.Get)
}

// CreateRequest is the body of POST /withdrawals.
type CreateRequest struct {
	Currency           string `json:"currency" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"required"`
	Memo               string `json:"memo"`
}

// Info handles GET /withdrawals/info and returns minimums and fees.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.service.Policies()})
}

// Create handles POST /withdrawals
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency, amount and destination_address are required",
		})
		return
	}

	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if errs := validation.Validate(
		validation.ValidAmount("amount", currency, req.Amount),
		validation.ValidIdempotencyKey("Idempotency-Key", key),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, err := money.Parse(currency, req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	w, created, err := h.service.Request(c.Request.Context(), NewRequest{
		UserID:         auth.UserID(c),
		Currency:       currency,
		Amount:         amount,
		Destination:    req.DestinationAddress,
		Memo:           req.Memo,
		IdempotencyKey: key,
	})
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"id": w.ID, "withdrawal": w})
}

// List handles GET /withdrawals
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.List(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list withdrawals"})
		return
	}
	if items == nil {
		items = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": items})
}

// Get handles GET /withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Withdrawal not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get withdrawal"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrBelowMinimum):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrMemoTooLong):
		return http.StatusBadRequest, "memo_too_long"
	case errors.Is(err, ErrUnsupportedCurrency):
		return http.StatusBadRequest, "unsupported_currency"
	case errors.Is(err, ErrRequestClosed):
		return http.StatusConflict, "request_closed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
