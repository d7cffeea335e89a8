package referral

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bindingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "referral_bindings_total",
		Help:      "Users bound to a referrer at first login.",
	})

	bonusesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "admarket",
		Name:      "referral_bonuses_total",
		Help:      "Referral bonuses credited.",
	})
)

func init() {
	prometheus.MustRegister(bindingsTotal, bonusesTotal)
}

// Handler provides the referral endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a referral handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up referral routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/referral", h.Stats)
}

// Stats handles GET /referral
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load referral stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}
