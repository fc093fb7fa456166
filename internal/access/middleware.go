package access

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "audit_access_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer access
// token and, when roles are given, one of those roles.
//
// On success it injects the *AuditorClaims into the context.
func RequireToken(issuer *Issuer, roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := issuer.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		if len(roles) > 0 && !hasRole(claims.Role, roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "role " + string(claims.Role) + " may not access this endpoint",
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the claims injected by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *AuditorClaims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*AuditorClaims)
	return claims
}

func hasRole(r Role, allowed []Role) bool {
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}
