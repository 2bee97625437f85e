package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	OperatorIDKey       = "operator_id"
	OperatorEmailKey    = "operator_email"
	OperatorRoleKey     = "operator_role"
)

// Middleware creates a Gin middleware that requires a valid Bearer token
// and stores the operator identity in the request context.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(OperatorIDKey, claims.UserID)
		c.Set(OperatorEmailKey, claims.Email)
		c.Set(OperatorRoleKey, claims.Role)

		c.Next()
	}
}

// RequireRole creates a Gin middleware that restricts a route to the given
// roles. It must run after Middleware.
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(OperatorRoleKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role not found in context",
			})
			return
		}

		operatorRole := role.(string)
		for _, allowed := range allowedRoles {
			if operatorRole == allowed {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "insufficient permissions",
		})
	}
}

// OperatorIDFromContext extracts the authenticated operator ID
func OperatorIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	id, exists := c.Get(OperatorIDKey)
	if !exists {
		return uuid.Nil, false
	}
	return id.(uuid.UUID), true
}

// OperatorEmailFromContext extracts the authenticated operator email.
// Feedback endpoints use it to attribute verdicts when the request body
// omits the reviewer.
func OperatorEmailFromContext(c *gin.Context) (string, bool) {
	email, exists := c.Get(OperatorEmailKey)
	if !exists {
		return "", false
	}
	return email.(string), true
}
