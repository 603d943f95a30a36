package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// WSHandler: admit, upgrade and serve one WebSocket connection. The gin
// handler goroutine becomes the connection's goroutine.
func WSHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		// counted before the upgrade; refused once Stop has started waiting
		if !s.track() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
			return
		}
		defer s.wg.Done()

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("connection_rate_limited",
				"remote_addr", c.Request.RemoteAddr,
			)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}

		if s.slots != nil {
			if !s.slots.TryAcquire(1) {
				s.logger.Warn("connection_limit_reached",
					"remote_addr", c.Request.RemoteAddr,
					"max_connections", s.cfg.MaxConnections,
				)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
				return
			}
			defer s.slots.Release(1)
		}

		// Upgrade writes its own error response on failure
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket_upgrade_failed",
				"remote_addr", c.Request.RemoteAddr,
				"error", err.Error(),
			)
			return
		}

		s.serveConn(conn)
	}
}

// HealthHandler reports liveness and the number of open connections.
func HealthHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.Manager.Count(),
		})
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"remote_addr", c.ClientIP(),
		)
	}
}
