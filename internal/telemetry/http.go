package telemetry

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware logs every request and records its count and latency.
func HTTPMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		if m != nil {
			m.Requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
			m.Latency.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		slog.Log(c.Request.Context(), level, "http: request served", attrs...)
	}
}
