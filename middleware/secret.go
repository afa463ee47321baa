package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// BillingSecretHeader carries the secret shared with the billing system.
const BillingSecretHeader = "X-Billing-Secret"

// SharedSecret admits requests whose header equals secret. With no secret
// configured every request is refused.
func SharedSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid shared secret"})
			return
		}
		c.Next()
	}
}
