package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rpm, burst int) *Limiter {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute})
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := newLimiter(t, 600, 3) // one token per 100ms

	for i := range 3 {
		assert.True(t, l.Allow("analyst"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("analyst"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.Allow("analyst"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := newLimiter(t, 60, 1)

	require.True(t, l.Allow("ip:10.0.0.1"))
	assert.False(t, l.Allow("ip:10.0.0.1"))
	assert.True(t, l.Allow("ip:10.0.0.2"))
	assert.Equal(t, 2, l.Clients())
}

func TestLimiter_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)

	l := New(Config{RequestsPerMinute: 60})
	l.Stop()
	l.Stop()
	assert.True(t, l.Allow("k"), "burst floors at one")
}

func TestClientKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	key := func(headers map[string]string) string {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		c.Request.RemoteAddr = "192.0.2.7:5000"
		for k, v := range headers {
			c.Request.Header.Set(k, v)
		}
		return clientKey(c)
	}

	assert.Equal(t, "ip:192.0.2.7", key(nil))

	bearer := key(map[string]string{"Authorization": "Bearer ops-key"})
	header := key(map[string]string{"X-API-Key": "ops-key"})
	assert.Equal(t, bearer, header, "both credential headers share a bucket")
	assert.NotContains(t, bearer, "ops-key")
	assert.NotEqual(t, bearer, key(map[string]string{"X-API-Key": "other-key"}))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, 60, 2)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/stats", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	do := func(apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for range 2 {
		require.Equal(t, http.StatusOK, do("").Code)
	}
	w := do("")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("analyst-key").Code, "keyed caller has its own bucket")
}
