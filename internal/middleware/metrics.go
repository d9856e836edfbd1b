// Package middleware provides the Gin middleware shared by the ingest and admin
// routes: request ids, access logs, Prometheus request metrics, security headers,
// ingest rate limiting and compressed request bodies.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waflog/waflog-backend/internal/telemetry"
)

const noRouteLabel = "<no-route>"

// routeLabel is the matched route template, so landing ids and domains never
// become label values.
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return noRouteLabel
}

// MetricsMiddleware records http_requests_total and http_request_duration_seconds.
// Register it after gin.Recovery so the status written by a recovered panic is seen.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeLabel(c)
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
