package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/validation"
)

// devHandler hands out in-process collateral so deposits can be exercised
// without a chain. Only registered when tokens are in-process.
type devHandler struct {
	collateral *token.MemoryToken
	custody    common.Address
}

func newDevHandler(collateral *token.MemoryToken, custody common.Address) *devHandler {
	return &devHandler{collateral: collateral, custody: custody}
}

// RegisterRoutes sets up the dev routes on an admin-guarded group.
func (h *devHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/dev/mint", h.mint)
}

// MintRequest is the request body for POST /v1/admin/dev/mint.
type MintRequest struct {
	Account string `json:"account" binding:"required,account"`
	Amount  string `json:"amount" binding:"required,positive_units"`
}

// mint credits collateral to an account and raises its allowance to custody
// by the same amount, standing in for the holder's own approve call.
func (h *devHandler) mint(c *gin.Context) {
	var req MintRequest
	if !validation.BindJSON(c, &req) {
		return
	}

	account, _ := validation.ParseAddress(req.Account)
	amt, _ := amount.Parse(req.Amount)

	allowance := h.collateral.Allowance(account, h.custody)
	if _, overflow := allowance.AddOverflow(allowance, amt); overflow {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "overflow", "message": "allowance would overflow"})
		return
	}
	if err := h.collateral.Mint(account, amt); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "overflow", "message": err.Error()})
		return
	}
	h.collateral.Approve(account, h.custody, allowance)

	balance, _ := h.collateral.BalanceOf(c.Request.Context(), account)
	logging.L(c.Request.Context()).Info("dev collateral minted",
		"account", account.Hex(),
		"amount", amount.Format(amt),
	)
	c.JSON(http.StatusOK, gin.H{
		"account":   account.Hex(),
		"balance":   amount.Format(balance),
		"allowance": amount.Format(allowance),
	})
}
