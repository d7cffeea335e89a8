package exchange

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/mbd888/admarket/internal/validation"
)

// Handler provides the exchange endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates an exchange handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up exchange routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/exchange/quote", h.Quote)
	r.POST("/exchange", h.Exchange)
}

// ExchangeRequest is the body of POST /exchange.
type ExchangeRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Quote handles GET /exchange/quote?amount=N
func (h *Handler) Quote(c *gin.Context) {
	points, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a whole number of points"})
		return
	}
	conv, err := h.service.Quote(c.Request.Context(), points)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Exchange handles POST /exchange
func (h *Handler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if errs := validation.Validate(validation.ValidIdempotencyKey("Idempotency-Key", key)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	res, err := h.service.PointsToStable(c.Request.Context(), auth.UserID(c), req.Amount, key)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAmountTooSmall):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrCreditUnknown):
		return http.StatusServiceUnavailable, "outcome_unknown"
	case errors.Is(err, ErrExchangeClosed):
		return http.StatusConflict, "request_closed"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, rates.ErrNoRate), errors.Is(err, rates.ErrStaleRate), errors.Is(err, ErrRateOutOfRange):
		return http.StatusServiceUnavailable, "rate_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
