package rates

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

// Handler serves current rates.
type Handler struct {
	service *Service
}

// NewHandler creates a rate handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts GET /rates/:base/:quote.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rates/:base/:quote", h.Get)
}

// Get handles GET /rates/:base/:quote. The inverse pair is served when
// only it is recorded.
func (h *Handler) Get(c *gin.Context) {
	base, err := money.ParseCurrency(c.Param("base"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	quote, err := money.ParseCurrency(c.Param("quote"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	r, err := h.service.Current(ctx, Pair{Base: base, Quote: quote})
	if errors.Is(err, ErrNoRate) || errors.Is(err, ErrStaleRate) {
		inv, ierr := h.service.Current(ctx, Pair{Base: quote, Quote: base})
		if ierr == nil {
			r, err = Rate{
				Base:   base,
				Quote:  quote,
				Value:  decimal.NewFromInt(1).DivRound(inv.Value, 18),
				Source: inv.Source,
				AsOf:   inv.AsOf,
			}, nil
		}
	}
	switch {
	case errors.Is(err, ErrNoRate):
		c.JSON(http.StatusNotFound, gin.H{"error": "rate_unavailable", "message": "No rate recorded for " + base.String() + "/" + quote.String()})
	case errors.Is(err, ErrStaleRate):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_stale", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load rate"})
	default:
		c.JSON(http.StatusOK, r)
	}
}
