package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/logging"
	"github.com/mbd888/admarket/internal/validation"
)

// Handler provides HTTP endpoints for the catalog.
type Handler struct {
	service *Service
}

// NewHandler creates a new catalog handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up catalog routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/channels", h.ListChannels)
	r.GET("/channels/mine", h.MyChannels)
	r.POST("/channels", h.AddChannel)
	r.GET("/channels/:id", h.GetChannel)
	r.PUT("/channels/:id/status", h.SetStatus)
	r.POST("/channels/:id/formats", h.AddFormat)
	r.PUT("/channels/:id/formats/:formatId", h.UpdateFormat)
}

// -----------------------------------------------------------------------------
// Channel Handlers
// -----------------------------------------------------------------------------

// ListChannels handles GET /channels
func (h *Handler) ListChannels(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	channels, err := h.service.Channels(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list channels"})
		return
	}
	if channels == nil {
		channels = []*Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// MyChannels handles GET /channels/mine
func (h *Handler) MyChannels(c *gin.Context) {
	channels, err := h.service.OwnedChannels(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list channels"})
		return
	}
	if channels == nil {
		channels = []*Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// AddChannel handles POST /channels
func (h *Handler) AddChannel(c *gin.Context) {
	var req AddChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "telegram_id and title are required"})
		return
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 256),
		validation.ValidUsername("username", req.Username),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	ch, err := h.service.AddChannel(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// GetChannel handles GET /channels/:id and includes the formats.
func (h *Handler) GetChannel(c *gin.Context) {
	ctx := c.Request.Context()
	ch, err := h.service.Channel(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	formats, err := h.service.Formats(ctx, auth.UserID(c), ch.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if formats == nil {
		formats = []*Format{}
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "formats": formats})
}

// SetStatus handles PUT /channels/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status ChannelStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	ch, err := h.service.SetStatus(c.Request.Context(), auth.UserID(c), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("channel status changed", "channelId", ch.ID, "status", ch.Status)
	c.JSON(http.StatusOK, ch)
}

// -----------------------------------------------------------------------------
// Format Handlers
// -----------------------------------------------------------------------------

// AddFormat handles POST /channels/:id/formats
func (h *Handler) AddFormat(c *gin.Context) {
	var req FormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	f, err := h.service.AddFormat(c.Request.Context(), auth.UserID(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// UpdateFormat handles PUT /channels/:id/formats/:formatId
func (h *Handler) UpdateFormat(c *gin.Context) {
	var req FormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	f, err := h.service.UpdateFormat(c.Request.Context(), auth.UserID(c), c.Param("id"), c.Param("formatId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Channel not found"})
	case errors.Is(err, ErrFormatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Format not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the channel owner can do this"})
	case errors.Is(err, ErrChannelExists):
		c.JSON(http.StatusConflict, gin.H{"error": "channel_exists", "message": "Channel is already listed"})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Catalog operation failed"})
	}
}
