package invoice

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/metrics"
	"github.com/mbd888/admarket/internal/telegram"
)

// Handler provides HTTP endpoints for invoices.
type Handler struct {
	service *Service
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up buyer routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.Create)
	r.GET("/invoices", h.List)
	r.GET("/invoices/:id", h.Get)
}

// RegisterCallbackRoutes sets up the settlement callback. The group must
// authenticate the caller (security.SignatureMiddleware).
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/invoices/callback", h.Callback)
}

// CreateRequest is the body of POST /invoices.
type CreateRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Create handles POST /invoices
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	inv, err := h.service.Issue(c.Request.Context(), auth.UserID(c), req.Amount)
	if errors.Is(err, ErrInvalidAmount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be between " + strconv.Itoa(MinAmount) + " and " + strconv.Itoa(MaxAmount),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "invoice_unavailable", "message": "Failed to create invoice"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice_id": inv.ID, "link": inv.Link})
}

// List handles GET /invoices
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.List(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list invoices"})
		return
	}
	if items == nil {
		items = []*Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{"invoices": items})
}

// Get handles GET /invoices/:id
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get invoice"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// CallbackRequest is the body of POST /invoices/callback.
type CallbackRequest struct {
	InvoiceID string  `json:"invoice_id" binding:"required"`
	Outcome   Outcome `json:"outcome" binding:"required"`
	ChargeID  string  `json:"charge_id"`
}

// Callback handles POST /invoices/callback
func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invoice_id and outcome are required"})
		return
	}

	inv, err := h.service.Settle(c.Request.Context(), req.InvoiceID, req.Outcome, req.ChargeID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "outcome must be success or failure"})
	case err != nil:
		// 5xx makes the sender retry; settlement is idempotent.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Settlement failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"invoice_id": inv.ID, "state": inv.State})
	}
}

// Answerer replies to pre-checkout queries.
type Answerer interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

// WebhookHandler receives Telegram bot updates and settles Stars payments.
type WebhookHandler struct {
	service  *Service
	answerer Answerer
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates a bot webhook handler. secret must match the
// secret_token passed to setWebhook.
func NewWebhookHandler(service *Service, answerer Answerer, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, answerer: answerer, secret: secret, logger: logger}
}

// RegisterRoutes mounts POST /telegram/webhook.
func (w *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/telegram/webhook", w.Handle)
}

// Handle processes one update. Telegram retries non-2xx responses, so
// unknown updates are acknowledged.
func (w *WebhookHandler) Handle(c *gin.Context) {
	got := c.GetHeader(telegram.SecretTokenHeader)
	if w.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid webhook secret"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	update, ok := telegram.ParsePaymentUpdate(body)
	if !ok || update.Currency != "XTR" {
		metrics.TelegramUpdatesTotal.WithLabelValues("other").Inc()
		c.Status(http.StatusOK)
		return
	}
	metrics.TelegramUpdatesTotal.WithLabelValues(string(update.Kind)).Inc()
	ctx := c.Request.Context()

	switch update.Kind {
	case telegram.PaymentPreCheckout:
		err := w.service.CheckPayable(ctx, update.Payload, update.FromID, update.TotalAmount)
		msg := ""
		if err != nil {
			msg = "This invoice can no longer be paid."
			w.logger.Info("pre-checkout declined", "invoiceId", update.Payload, "reason", err)
		}
		if aerr := w.answerer.AnswerPreCheckoutQuery(ctx, update.QueryID, err == nil, msg); aerr != nil {
			w.logger.Warn("failed to answer pre-checkout query", "invoiceId", update.Payload, "error", aerr)
		}
		c.Status(http.StatusOK)

	case telegram.PaymentSuccessful:
		if _, err := w.service.Settle(ctx, update.Payload, OutcomeSuccess, update.ChargeID); err != nil {
			if errors.Is(err, ErrNotFound) {
				w.logger.Error("payment for unknown invoice", "payload", update.Payload, "chargeId", update.ChargeID)
				c.Status(http.StatusOK)
				return
			}
			w.logger.Error("failed to settle payment", "invoiceId", update.Payload, "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	}
}
