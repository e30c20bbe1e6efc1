package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestID tags every request with an id for log correlation. An id supplied
// by the caller is kept so upstream proxies can trace through.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// bearerAuth enforces the configured bearer token on protected routes.
// Disabled unless secure mode is on; the comparison is constant time so the
// token cannot be probed byte by byte.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.SecureMode {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

// requestMetrics records per-route counters and latency.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.recorder.HTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(started))
	}
}
