package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireRole gates a group on the role claim RequireAuth stashed earlier.
// No identity on the context is a 401, the wrong role is a 403.
func (m *AuthMiddleware) RequireRole(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := RoleFromContext(c)

		if !ok || role == "" {
			abortError(c, http.StatusUnauthorized, "unauthorized", "Missing identity context")
			return
		}

		if role != required {
			abortError(c, http.StatusForbidden, "forbidden", "Admin role required")
			return
		}

		c.Next()
	}
}
