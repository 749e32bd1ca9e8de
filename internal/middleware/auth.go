package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
)

// AuthMiddleware checks the static bearer token every client must present.
// An empty configured token disables the check; that is only sane for
// local development and gets a loud warning at startup.
type AuthMiddleware struct {
	log   *logger.Logger
	token string
}

func NewAuthMiddleware(log *logger.Logger, token string) *AuthMiddleware {
	middlewareLogger := log.With("Middleware", "AuthMiddleware")
	if token == "" {
		middlewareLogger.Warn("API_BEARER_TOKEN is empty, authentication disabled")
	}
	return &AuthMiddleware{log: middlewareLogger, token: token}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.token == "" {
			c.Next()
			return
		}
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(tokenString), []byte(am.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	return ""
}
