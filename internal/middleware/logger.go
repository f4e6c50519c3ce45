package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerKey holds the *slog.Logger set by LoggerMiddleware.
const LoggerKey = "logger"

// LoggerMiddleware exposes logger to handlers and writes one access line per request.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(LoggerKey, logger)
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(RequestIDKey),
		}
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}

// requestLogger is the logger set by LoggerMiddleware, tagged with the request id.
func requestLogger(c *gin.Context) *slog.Logger {
	logger := slog.Default()
	if v, ok := c.Get(LoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			logger = l
		}
	}
	if id := c.GetString(RequestIDKey); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}
