package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/orders"
	"github.com/mbd888/admarket/internal/withdrawal"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	orders      OrderService
	withdrawals WithdrawalStore
	reconciler  ReconciliationRunner
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithOrders sets the order service for dispute operations.
func (h *Handler) WithOrders(svc OrderService) *Handler {
	h.orders = svc
	return h
}

// WithWithdrawals sets the store used to list stuck withdrawals.
func (h *Handler) WithWithdrawals(store WithdrawalStore) *Handler {
	h.withdrawals = store
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. The group must require the admin
// token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/orders/disputed", h.listDisputed)
	r.POST("/admin/orders/:id/resolve", h.resolveDispute)
	r.POST("/admin/orders/:id/settle", h.settleOrder)
	r.GET("/admin/withdrawals/submitted", h.listSubmitted)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

func limitParam(c *gin.Context, def, max int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// listDisputed returns in-progress orders whose post was removed early.
func (h *Handler) listDisputed(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orders not configured"})
		return
	}
	list, err := h.orders.Disputed(c.Request.Context(), limitParam(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list disputed orders", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// resolveDispute releases a disputed order to the seller.
func (h *Handler) resolveDispute(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orders not configured"})
		return
	}

	o, err := h.orders.ResolveDispute(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		return
	case errors.Is(err, orders.ErrNotDisputed), errors.Is(err, orders.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "Only disputed in-progress orders can be resolved"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve dispute", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "orderId": o.ID, "state": o.State})
}

// settleOrder retries the payout of a finished order.
func (h *Handler) settleOrder(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orders not configured"})
		return
	}
	o, err := h.orders.Settle(c.Request.Context(), c.Param("id"))
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": o.ID, "state": o.State, "settled": o.SettledAt != nil})
}

// listSubmitted returns broadcast withdrawals still awaiting confirmation.
func (h *Handler) listSubmitted(c *gin.Context) {
	if h.withdrawals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "withdrawals not configured"})
		return
	}
	list, err := h.withdrawals.ListByState(c.Request.Context(), withdrawal.StateSubmitted, limitParam(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list withdrawals", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list, "count": len(list)})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
