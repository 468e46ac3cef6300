package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminKey carries the admin key or a grant.
const HeaderAdminKey = "X-Admin-Key"

// Credential reads the admin credential from X-Admin-Key, falling back to
// an Authorization bearer token.
func Credential(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(HeaderAdminKey)); v != "" {
		return v
	}
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
