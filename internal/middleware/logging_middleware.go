package middleware

import (
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"billing-api/internal/monitoring"
)

type LoggingMiddleware struct {
	logger  *logrus.Logger
	metrics monitoring.MetricsService

	// SlowRequestThreshold marks requests that deserve a warning entry.
	SlowRequestThreshold time.Duration
}

func NewLoggingMiddleware(logger *logrus.Logger, metrics monitoring.MetricsService) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger:               logger,
		metrics:              metrics,
		SlowRequestThreshold: 2 * time.Second,
	}
}

// RequestLogger emits one structured entry per request and feeds the HTTP
// metrics. Health and metrics probes are skipped to keep the log readable.
func (l *LoggingMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		l.metrics.RecordHTTPRequest(c.Request.Method, path, status, duration)

		entry := l.logger.WithFields(logrus.Fields{
			"request_id":  requestid.Get(c),
			"method":      c.Request.Method,
			"path":        path,
			"status_code": status,
			"latency_ms":  duration.Milliseconds(),
			"client_ip":   c.ClientIP(),
		})

		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		case duration > l.SlowRequestThreshold:
			entry.Warn("Slow request")
		default:
			entry.Info("Request completed")
		}
	}
}
