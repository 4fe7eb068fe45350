package middleware

import (
	"net/http"
	"strings"

	"streamcast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

const (
	ContextParticipantID = "participant_id"
	ContextUsername      = "username"
)

// AuthMiddleware requires a valid bearer token on REST endpoints and
// stores the resolved identity in the gin context.
func AuthMiddleware(auth ports.AuthVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		participantID, username, err := auth.Verify(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication rejected"})
			c.Abort()
			return
		}

		c.Set(ContextParticipantID, participantID)
		c.Set(ContextUsername, username)
		c.Next()
	}
}

// OptionalAuthMiddleware resolves an identity when a token is present
// but lets anonymous requests through.
func OptionalAuthMiddleware(auth ports.AuthVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if participantID, username, err := auth.Verify(c.Request.Context(), parts[1]); err == nil {
				c.Set(ContextParticipantID, participantID)
				c.Set(ContextUsername, username)
			}
		}
		c.Next()
	}
}
