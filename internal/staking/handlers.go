package staking

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/access"
	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/auth"
	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/validation"
	"github.com/mbd888/epochstake/internal/vault"
)

// Whitelist is the admin surface of the access gate.
type Whitelist interface {
	SetAllowed(ctx context.Context, caller, account common.Address, allowed bool) error
	List(ctx context.Context) ([]*access.Entry, error)
}

// Funder adds reward to the vault.
type Funder interface {
	Fund(ctx context.Context, amt *uint256.Int) (string, error)
}

// Handler provides HTTP endpoints for deposits and account queries.
type Handler struct {
	engine    *Engine
	whitelist Whitelist
	funder    Funder
}

// NewHandler creates a new staking handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// WithAdmin enables the whitelist and funding endpoints.
func (h *Handler) WithAdmin(whitelist Whitelist, funder Funder) *Handler {
	h.whitelist = whitelist
	h.funder = funder
	return h
}

// RegisterRoutes sets up deposit and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.Deposit)
	r.GET("/epoch", h.GetEpoch)
	r.GET("/vault", h.GetVault)

	accounts := r.Group("/accounts/:address")
	accounts.Use(validation.AddressParamMiddleware())
	accounts.GET("", h.GetAccount)
	accounts.GET("/balance", h.GetBalance)
	accounts.GET("/pending", h.GetPending)
	accounts.GET("/settlements", h.ListSettlements)
}

// RegisterAdminRoutes sets up admin routes. The group must be guarded by
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/whitelist", h.ListWhitelist)
	r.POST("/admin/whitelist", h.SetWhitelist)
	r.POST("/admin/vault/fund", h.FundVault)
}

// DepositRequest is the request body for POST /v1/deposits.
type DepositRequest struct {
	Account string `json:"account" binding:"required,account"`
	Amount  string `json:"amount" binding:"required,units"`
}

// WhitelistRequest is the request body for POST /v1/admin/whitelist.
type WhitelistRequest struct {
	Account string `json:"account" binding:"required,account"`
	Allowed bool   `json:"allowed"`
}

// FundRequest is the request body for POST /v1/admin/vault/fund.
type FundRequest struct {
	Amount string `json:"amount" binding:"required,positive_units"`
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInsufficientVaultFunds):
		return http.StatusConflict
	case errors.Is(err, ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCollateralTransferFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRewardTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidTime), errors.Is(err, ErrReentrantCall), errors.Is(err, ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": ErrorCode(err), "message": err.Error()})
}

// Deposit handles POST /v1/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !validation.BindJSON(c, &req) {
		return
	}

	account, _ := validation.ParseAddress(req.Account)
	amt, _ := amount.Parse(req.Amount)

	receipt, err := h.engine.Deposit(c.Request.Context(), account, amt)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receiptView(receipt)})
}

// GetAccount handles GET /v1/accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	account := validation.AddressParam(c)

	acct, err := h.engine.Account(c.Request.Context(), account)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": accountView(acct)})
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := validation.AddressParam(c)

	bal, err := h.engine.BalanceOf(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account.Hex(), "balance": amount.Format(bal)})
}

// GetPending handles GET /v1/accounts/:address/pending
func (h *Handler) GetPending(c *gin.Context) {
	account := validation.AddressParam(c)

	p, err := h.engine.PendingReward(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":      account.Hex(),
		"principal":    amount.Format(p.Principal),
		"reward":       amount.Format(p.Reward),
		"fromEpoch":    p.FromEpoch,
		"currentEpoch": p.CurrentEpoch,
		"elapsed":      p.Elapsed,
	})
}

// ListSettlements handles GET /v1/accounts/:address/settlements
func (h *Handler) ListSettlements(c *gin.Context) {
	account := validation.AddressParam(c)
	limit := parseLimit(c, 50, 500)

	history, err := h.engine.History(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(history))
	for _, s := range history {
		views = append(views, settlementView(s))
	}
	c.JSON(http.StatusOK, gin.H{"settlements": views, "count": len(views)})
}

// GetVault handles GET /v1/vault
func (h *Handler) GetVault(c *gin.Context) {
	st, err := h.engine.VaultState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault": vaultView(st)})
}

// GetEpoch handles GET /v1/epoch
func (h *Handler) GetEpoch(c *gin.Context) {
	current, err := h.engine.CurrentEpoch()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"epoch":           current,
		"rate":            h.engine.Schedule().RateAt(current),
		"rateDenominator": RateDenominator,
	})
}

// ListWhitelist handles GET /v1/admin/whitelist
func (h *Handler) ListWhitelist(c *gin.Context) {
	if h.whitelist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "whitelist not configured"})
		return
	}
	entries, err := h.whitelist.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		views = append(views, gin.H{
			"account":   e.Account.Hex(),
			"allowed":   e.Allowed,
			"updatedBy": e.UpdatedBy.Hex(),
			"updatedAt": e.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": views, "count": len(views)})
}

// SetWhitelist handles POST /v1/admin/whitelist
func (h *Handler) SetWhitelist(c *gin.Context) {
	if h.whitelist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "whitelist not configured"})
		return
	}

	var req WhitelistRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	account, _ := validation.ParseAddress(req.Account)

	caller, _ := auth.GetAdmin(c)
	if err := h.whitelist.SetAllowed(c.Request.Context(), caller, account, req.Allowed); err != nil {
		switch {
		case errors.Is(err, access.ErrNotAdmin):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_admin", "message": err.Error()})
		case errors.Is(err, access.ErrInvalidEntry):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account.Hex(), "allowed": req.Allowed})
}

// FundVault handles POST /v1/admin/vault/fund
func (h *Handler) FundVault(c *gin.Context) {
	if h.funder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vault funding not configured"})
		return
	}

	var req FundRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	amt, _ := amount.Parse(req.Amount)

	ref, err := h.funder.Fund(c.Request.Context(), amt)
	if err != nil {
		status := http.StatusInternalServerError
		code := "fund_failed"
		if errors.Is(err, vault.ErrOverflow) {
			status, code = http.StatusUnprocessableEntity, "overflow"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	st, err := h.engine.VaultState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"reference": ref})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": ref, "vault": vaultView(st)})
}

// --- views ---

func receiptView(r *Receipt) gin.H {
	return gin.H{
		"settlementId": r.SettlementID,
		"account":      r.Account.Hex(),
		"amount":       amount.Format(r.Amount),
		"principal":    amount.Format(r.Principal),
		"rewardPaid":   amount.Format(r.RewardPaid),
		"fromEpoch":    r.FromEpoch,
		"toEpoch":      r.ToEpoch,
		"elapsed":      r.Elapsed,
		"settledAt":    r.SettledAt.Format(time.RFC3339Nano),
	}
}

func accountView(a *ledger.Account) gin.H {
	return gin.H{
		"address":          a.Address.Hex(),
		"principal":        amount.Format(a.Principal),
		"lastSettledEpoch": a.LastSettledEpoch,
		"accruedUnpaid":    amount.Format(a.AccruedUnpaid),
		"totalRewardPaid":  amount.Format(a.TotalRewardPaid),
		"createdAt":        a.CreatedAt,
		"updatedAt":        a.UpdatedAt,
	}
}

func settlementView(s *ledger.Settlement) gin.H {
	return gin.H{
		"id":             s.ID,
		"fromEpoch":      s.FromEpoch,
		"toEpoch":        s.ToEpoch,
		"elapsed":        s.Elapsed(),
		"reward":         amount.Format(s.Reward),
		"amount":         amount.Format(s.Amount),
		"principalAfter": amount.Format(s.PrincipalAfter),
		"createdAt":      s.CreatedAt,
	}
}

func vaultView(s *vault.State) gin.H {
	return gin.H{
		"balance":     amount.Format(s.Balance),
		"held":        amount.Format(s.Held),
		"available":   amount.Format(s.Available()),
		"totalFunded": amount.Format(s.TotalFunded),
		"totalPaid":   amount.Format(s.TotalPaid),
	}
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
