package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	identityKey  = "identity"
	authErrorKey = "auth_error"
)

// Reads an optional bearer token and, when valid, stores the caller identity
// in the context. Missing or invalid tokens leave the caller anonymous.
func Identity(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authService.Enabled() {
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Next()
			return
		}

		identity, err := authService.ValidateToken(tokenString)
		if err != nil {
			c.Set(authErrorKey, err.Error())
			c.Next()
			return
		}

		// Store user info in context
		c.Set(identityKey, &identity)
		c.Set("user_id", identity.UserID)
		c.Set("role", identity.Role)

		c.Next()
	}
}

// Requires an identity whose role is one of roles. A no-op when no JWT secret is configured.
func RequireRole(authService *service.AuthService, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authService.Enabled() {
			c.Next()
			return
		}

		identity, ok := IdentityFromContext(c)
		if !ok {
			body := gin.H{"error": "Valid bearer token required"}
			if reason := c.GetString(authErrorKey); reason != "" {
				body["details"] = reason
			}
			c.JSON(http.StatusUnauthorized, body)
			c.Abort()
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, identity.Role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Insufficient role",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func IdentityFromContext(c *gin.Context) (*admission.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*admission.Identity)
	return identity, ok && identity != nil
}

// Extracts the token from "Bearer <token>"
func bearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
