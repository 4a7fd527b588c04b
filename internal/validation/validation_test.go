package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidAccountID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ACC00042", true},
		{"acct_1", true},
		{"tenant:acct-9.a", true},
		{"", false},
		{"has space", false},
		{"a/b", false},
		{"x'; DROP TABLE accounts;--", false},
		{strings.Repeat("a", MaxAccountIDLength), true},
		{strings.Repeat("a", MaxAccountIDLength+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidAccountID(tt.id), tt.id)
	}
}

func TestSanitizeAccountID(t *testing.T) {
	assert.Equal(t, "ACC1", SanitizeAccountID("  ACC1\x00 "))
}

func TestAccountParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:id", AccountParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/ACC00001", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_account_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
