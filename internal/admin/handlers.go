package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/vault"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	holds      HoldAdmin
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithHolds sets the vault store used to inspect and release holds.
func (h *Handler) WithHolds(holds HoldAdmin) *Handler {
	h.holds = holds
	return h
}

// RegisterRoutes sets up admin routes. The group must be guarded by
// auth.RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconcile/last", h.lastReconciliation)
	r.GET("/admin/vault/holds", h.listHolds)
	r.POST("/admin/vault/holds/:ref/release", h.releaseHold)
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

// lastReconciliation returns the most recent report without running checks.
func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report := h.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// listHolds returns holds still reserving vault balance.
func (h *Handler) listHolds(c *gin.Context) {
	if h.holds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vault not configured"})
		return
	}

	holds, err := h.holds.OpenHolds(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list holds", "message": err.Error()})
		return
	}

	now := time.Now()
	views := make([]gin.H, 0, len(holds))
	for _, hold := range holds {
		views = append(views, gin.H{
			"reference": hold.Reference,
			"amount":    amount.Format(hold.Amount),
			"status":    hold.Status,
			"createdAt": hold.CreatedAt,
			"ageMs":     now.Sub(hold.CreatedAt).Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"holds": views, "count": len(views)})
}

// releaseHold force-releases a hold whose settlement never completed.
func (h *Handler) releaseHold(c *gin.Context) {
	if h.holds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vault not configured"})
		return
	}

	ref := c.Param("ref")
	if err := h.holds.ReleaseHold(c.Request.Context(), ref); err != nil {
		if errors.Is(err, vault.ErrHoldNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No open hold with that reference"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release hold", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": true, "reference": ref})
}
