// Package validation binds and checks API request bodies and path params.
//
// Request structs declare their rules as gin binding tags. Besides the
// validator built-ins, three tags are registered here:
//
//	account         hex account address, 0x prefix optional
//	units           non-negative base-unit integer (zero allowed)
//	positive_units  base-unit integer greater than zero
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/epochstake/internal/amount"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

const addressKey = "validation.address"

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		Register(v)
	}
}

// Register installs the custom tags and reports JSON field names on v.
func Register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("account", func(fl validator.FieldLevel) bool {
		_, ok := ParseAddress(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("units", func(fl validator.FieldLevel) bool {
		_, err := amount.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("positive_units", func(fl validator.FieldLevel) bool {
		n, err := amount.Parse(fl.Field().String())
		return err == nil && !n.IsZero()
	})
}

// FieldError is one failed rule, keyed by JSON field name.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "account":
		return "must be a valid Ethereum address (0x...)"
	case "units":
		return "must be a non-negative integer in base units"
	case "positive_units":
		return "must be a positive integer in base units"
	default:
		return "is invalid"
	}
}

// BindJSON decodes and validates the body into obj. On failure it writes a
// 400 and returns false; the handler should return.
func BindJSON(c *gin.Context, obj any) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}

	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": details[0].Field + ": " + details[0].Message,
		"details": details,
	})
	return false
}

// ParseAddress trims and validates addr. The 0x prefix is optional.
func ParseAddress(addr string) (common.Address, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware parses the :address path param, rejecting the
// request with 400 when it is not an address.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := ParseAddress(c.Param("address"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Set(addressKey, addr)
		c.Next()
	}
}

// AddressParam returns the address parsed by AddressParamMiddleware.
func AddressParam(c *gin.Context) common.Address {
	if v, ok := c.Get(addressKey); ok {
		if addr, ok := v.(common.Address); ok {
			return addr
		}
	}
	addr, _ := ParseAddress(c.Param("address"))
	return addr
}
