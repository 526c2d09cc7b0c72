// Package auth guards mutating endpoints with a static shared secret.
//
// Authentication model:
// - Read endpoints (card projections, health): no auth required
// - Mutations (initiate, confirm, simulate): require the platform API key
// - The issuer webhook authenticates with its own HMAC signature instead
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey is the request header carrying the shared secret.
const HeaderAPIKey = "X-API-Key"

// RequireKey rejects requests whose API key does not match the configured
// secret. Comparison is constant time. An empty configured secret locks
// the endpoints shut rather than open.
func RequireKey(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderAPIKey)
		if presented == "" {
			// Also accept the Authorization: Bearer form.
			presented = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer"))
		}

		if secret == "" || !equal(presented, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include the 'X-API-Key' header.",
			})
			return
		}

		c.Next()
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
