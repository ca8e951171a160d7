package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
)

// HeaderOwnerID carries the authenticated user id set by the upstream gateway.
const HeaderOwnerID = "X-Owner-ID"

const ownerKey = "owner_id"

// Auth checks the shared bearer key when auth is enabled.
func Auth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Next()
	}
}

// Owner requires the X-Owner-ID header and adds it to the request logger.
func Owner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(HeaderOwnerID))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": HeaderOwnerID + " header required"})
			return
		}

		c.Set(ownerKey, owner)
		ctx := logger.SetOwnerID(c.Request.Context(), owner)
		c.Request = c.Request.WithContext(ctx)
		c.Set(loggerKey, logger.FromContext(ctx))
		c.Next()
	}
}

// OwnerID returns the owner set by Owner, or "".
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
