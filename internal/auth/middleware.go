package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/logging"
)

// ContextKeyAPIKey is the gin context key holding the authenticated *Key.
const ContextKeyAPIKey = "apiKey"

// Middleware extracts and validates the API key from Authorization or
// X-API-Key. Invalid keys are ignored here; RequireWrite decides whether the
// request may proceed.
func Middleware(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			header = c.GetHeader("X-API-Key")
		}
		if header != "" {
			if key, err := k.Validate(header); err == nil {
				c.Set(ContextKeyAPIKey, key)
				ctx := c.Request.Context()
				ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("api_key", key.ID))
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireWrite rejects unauthenticated mutating requests when keys are
// configured. Safe methods always pass.
func RequireWrite(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !k.Enabled() || IsAuthenticated(c) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Include 'Authorization: Bearer <key>' header.",
		})
	}
}

// GetAPIKey returns the authenticated key from context, if any.
func GetAPIKey(c *gin.Context) (*Key, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*Key)
	return key, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
