package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/mbd888/admarket/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Purchase)
	r.GET("/orders", h.List)
	r.GET("/orders/post/:token", h.ByPostToken)
	r.POST("/orders/verify/:token", h.Verify)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/pay", h.Pay)
	r.PUT("/orders/:id/post", h.UpdatePost)
	r.POST("/orders/:id/submit", h.Submit)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/approve", h.Approve)
	r.POST("/orders/:id/decline", h.Decline)
	r.POST("/orders/:id/published", h.Published)
}

// PurchaseBody is the body of POST /orders.
type PurchaseBody struct {
	ChannelID string `json:"channel_id" binding:"required"`
	FormatID  string `json:"format_id" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
}

// Purchase handles POST /orders
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "channel_id, format_id and currency are required",
		})
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if errs := validation.Validate(validation.ValidIdempotencyKey("Idempotency-Key", key)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}

	o, err := h.service.Purchase(c.Request.Context(), auth.UserID(c), PurchaseRequest{
		ChannelID:      req.ChannelID,
		FormatID:       req.FormatID,
		Currency:       currency,
		IdempotencyKey: key,
	})
	if err != nil {
		status, code := errorStatus(err)
		body := gin.H{"error": code, "message": err.Error()}
		if o != nil {
			body["order_id"] = o.ID
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o, "link": h.service.PostLink(o)})
}

// PayRequest is the body of POST /orders/:id/pay.
type PayRequest struct {
	Currency string `json:"currency"`
}

// Pay handles POST /orders/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	_ = c.ShouldBindJSON(&req)
	var currency money.Currency
	if req.Currency != "" {
		parsed, err := money.ParseCurrency(req.Currency)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
			return
		}
		currency = parsed
	}
	o, err := h.service.Pay(c.Request.Context(), auth.UserID(c), c.Param("id"), currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "link": h.service.PostLink(o)})
}

// List handles GET /orders
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.List(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list orders"})
		return
	}
	if items == nil {
		items = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

// Get handles GET /orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ByPostToken handles GET /orders/post/:token
func (h *Handler) ByPostToken(c *gin.Context) {
	o, err := h.service.ByPostToken(c.Request.Context(), auth.UserID(c), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// PostRequest is the body of PUT /orders/:id/post.
type PostRequest struct {
	Text string `json:"text" binding:"required"`
}

// UpdatePost handles PUT /orders/:id/post
func (h *Handler) UpdatePost(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "text is required"})
		return
	}
	h.respond(c)(h.service.UpdatePost(c.Request.Context(), auth.UserID(c), c.Param("id"), req.Text))
}

// Submit handles POST /orders/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	h.respond(c)(h.service.SubmitPost(c.Request.Context(), auth.UserID(c), c.Param("id")))
}

// Cancel handles POST /orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.respond(c)(h.service.Cancel(c.Request.Context(), auth.UserID(c), c.Param("id")))
}

// Decline handles POST /orders/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	h.respond(c)(h.service.Decline(c.Request.Context(), auth.UserID(c), c.Param("id")))
}

// PublishRequest carries a published post as "<chat_id>/<message_id>".
type PublishRequest struct {
	PublishedRef string `json:"published_ref"`
}

// Approve handles POST /orders/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req PublishRequest
	_ = c.ShouldBindJSON(&req)
	h.respond(c)(h.service.Approve(c.Request.Context(), auth.UserID(c), c.Param("id"), req.PublishedRef))
}

// Published handles POST /orders/:id/published
func (h *Handler) Published(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PublishedRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "published_ref is required"})
		return
	}
	h.respond(c)(h.service.MarkPublished(c.Request.Context(), auth.UserID(c), c.Param("id"), req.PublishedRef))
}

// Verify handles POST /orders/verify/:token. A repeated token answers 200
// with the completed order.
func (h *Handler) Verify(c *gin.Context) {
	o, err := h.service.Verify(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": o.ID, "state": o.State})
}

func (h *Handler) respond(c *gin.Context) func(*Order, error) {
	return func(o *Order, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o.ViewFor(auth.UserID(c)))
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	if code == "invalid_transition" {
		body["refresh"] = true
	}
	c.JSON(status, body)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrFormatUnavailable):
		return http.StatusUnprocessableEntity, "format_unavailable"
	case errors.Is(err, ErrSelfPurchase):
		return http.StatusBadRequest, "self_purchase"
	case errors.Is(err, ErrEmptyPost):
		return http.StatusBadRequest, "empty_post"
	case errors.Is(err, ErrInvalidRef):
		return http.StatusBadRequest, "invalid_published_ref"
	case errors.Is(err, money.ErrUnknownCurrency):
		return http.StatusBadRequest, "invalid_currency"
	case errors.Is(err, rates.ErrNoRate), errors.Is(err, rates.ErrStaleRate):
		return http.StatusServiceUnavailable, "rate_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
