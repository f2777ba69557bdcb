package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerName = "X-API-Key"

// AccessMiddleware guards the coordination API. Two credential kinds pass:
// the shared device API key (X-API-Key, constant-time compared) used by
// scanner devices, and an operator bearer token whose claims land in the
// request context as operator_id and operator_role. With neither an API key
// nor a signing key configured, authentication is disabled.
func AccessMiddleware(apiKey, signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" && signingKey == "" {
			c.Next()
			return
		}

		if provided := c.GetHeader(headerName); provided != "" {
			if apiKey != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1 {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid API key",
			})
			return
		}

		if header := c.GetHeader("Authorization"); signingKey != "" && strings.HasPrefix(header, "Bearer ") {
			claims, err := Parse(strings.TrimPrefix(header, "Bearer "), signingKey, issuer)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid token",
				})
				return
			}
			c.Set("operator_id", claims.Subject)
			c.Set("operator_role", claims.Role)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing credentials",
		})
	}
}
