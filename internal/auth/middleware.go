// Package auth guards the admin routes.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// ContextKeyAdminAddr is the key for storing the authenticated admin address
	ContextKeyAdminAddr = "adminAddr"
)

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. Authenticated requests act as admin, whose address is set in the
// context. An empty secret disables the admin routes.
func RequireAdmin(secret string, admin common.Address) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured.",
			})
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include 'X-Admin-Secret' header.",
			})
			return
		}

		c.Set(ContextKeyAdminAddr, admin.Hex())
		c.Next()
	}
}

// GetAdmin returns the authenticated admin address from context
func GetAdmin(c *gin.Context) (common.Address, bool) {
	v, exists := c.Get(ContextKeyAdminAddr)
	if !exists {
		return common.Address{}, false
	}
	s, ok := v.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
