package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key carrying the verified operator ID.
const ContextKeyOperator = "operator_id"

// Middleware guards a route group with bearer-token authentication.
func Middleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		operatorID, err := tokens.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set(ContextKeyOperator, operatorID)
		c.Next()
	}
}

// OperatorID extracts the verified operator from the request context.
// Returns "unknown" outside an authenticated route so event attribution
// never ends up empty.
func OperatorID(c *gin.Context) string {
	if id, ok := c.Get(ContextKeyOperator); ok {
		if s, ok := id.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}
