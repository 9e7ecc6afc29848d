package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/limiter"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

const resolveTimeout = 1200 * time.Millisecond

// Auth gates every collab entrypoint, the websocket upgrade included.
// Order matters: the rate limiter runs before any session lookup, and
// both checks happen before an upgrade is attempted, so a refused
// caller never leaves partial connection state behind.
func Auth(lim *limiter.Limiter, resolver session.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim != nil && !lim.Allow(c.ClientIP()) {
			// Logged by the limiter; refused, not escalated.
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "too many connection attempts",
			})
			return
		}

		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			// Browsers cannot set headers on a websocket upgrade;
			// allow ?token= as the fallback carrier.
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "missing session token",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), resolveTimeout)
		defer cancel()

		identity, err := resolver.Resolve(ctx, token)
		if errors.Is(err, session.ErrNoSession) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "session not found or expired",
			})
			return
		}
		if err != nil {
			log.Printf("session resolve failed: %v", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "session lookup failed",
			})
			return
		}

		c.Set("userId", identity.UserID)
		c.Set("username", identity.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
