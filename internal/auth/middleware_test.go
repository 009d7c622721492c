package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testAdmin = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newAdminRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/admin", RequireAdmin(secret, testAdmin), func(c *gin.Context) {
		addr, ok := GetAdmin(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, addr.Hex())
	})
	return r
}

func TestRequireAdmin_ValidSecret(t *testing.T) {
	r := newAdminRouter("s3cret")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/admin", nil)
	req.Header.Set(HeaderAdminSecret, "s3cret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != testAdmin.Hex() {
		t.Errorf("Expected admin %s in context, got %s", testAdmin.Hex(), w.Body.String())
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	r := newAdminRouter("s3cret")

	for _, header := range []string{"", "wrong", "s3cret "} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/admin", nil)
		if header != "" {
			req.Header.Set(HeaderAdminSecret, header)
		}
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestRequireAdmin_DisabledWithoutSecret(t *testing.T) {
	r := newAdminRouter("")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/admin", nil)
	req.Header.Set(HeaderAdminSecret, "")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestGetAdmin_NotSet(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := GetAdmin(c); ok {
		t.Error("Expected no admin in fresh context")
	}
}
