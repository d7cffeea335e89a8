package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/pagination"
)

// Handler provides HTTP endpoints for balance queries.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
	r.GET("/ledger/history", h.GetHistory)
}

// BalanceView is the wire form of one account balance.
type BalanceView struct {
	Currency  money.Currency `json:"currency"`
	Available string         `json:"available"`
}

// GetBalance handles GET /balance and returns all three balances of the
// authenticated user.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := auth.UserID(c)

	accounts, err := h.ledger.Balances(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	views := make([]BalanceView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, BalanceView{Currency: a.Currency, Available: money.Format(a.Currency, a.Available)})
	}
	c.JSON(http.StatusOK, gin.H{"balances": views})
}

// GetHistory handles GET /ledger/history?currency=&limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	userID := auth.UserID(c)

	var currency money.Currency
	if raw := c.Query("currency"); raw != "" {
		parsed, err := money.ParseCurrency(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
			return
		}
		currency = parsed
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	movements, next, err := h.ledger.HistoryPage(c.Request.Context(), userID, currency, c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements, "nextCursor": next, "hasMore": next != ""})
}
