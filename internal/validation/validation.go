// Package validation guards request inputs at the HTTP boundary.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxAccountIDLength bounds account identifiers.
const MaxAccountIDLength = 64

// accountIDRegex admits the identifiers the stores accept as node keys.
var accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccountID checks the length and charset of an account ID.
func IsValidAccountID(id string) bool {
	return len(id) <= MaxAccountIDLength && accountIDRegex.MatchString(id)
}

// SanitizeAccountID trims surrounding whitespace and NUL bytes.
func SanitizeAccountID(id string) string {
	return strings.TrimSpace(strings.ReplaceAll(id, "\x00", ""))
}

// AccountParamMiddleware rejects requests whose :id path parameter is not a
// plausible account ID, before any store is queried.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			c.Next()
			return
		}
		if !IsValidAccountID(SanitizeAccountID(id)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account_id",
				"message": "Account ID must be 1-64 letters, digits, '_', '-', '.' or ':'",
			})
			return
		}
		c.Next()
	}
}
