// Package telemetry provides observability for the WAF log pipeline.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served on
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<WAFLOG_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// The endpoint is not served by the Gin router, so ingest rate limiting and
// request-id middleware never apply to scrapes.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Landing ingestion and processing counters
//   - Batch run duration and cron run outcomes
//   - WAF toggle outcomes
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code. The path label
// holds c.FullPath() so landing ids and domains never become label values.
//
// Example PromQL queries:
//   - Request rate:            rate(http_requests_total[5m])
//   - p99 latency per route:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Pipeline metrics.
//
// LandingRecordsIngestedTotal counts rows appended through POST /api/v1/landing.
//
// LandingRecordsProcessedTotal has a single {result} label: processed, failed or
// skipped (claimed by a concurrent processor). A steadily growing failed series
// means records are accumulating for manual reprocessing.
//
// Example PromQL queries:
//   - Failure ratio:  rate(landing_records_processed_total{result="failed"}[1h]) / rate(landing_records_processed_total[1h])
//   - Backlog growth: rate(landing_records_ingested_total[1h]) - rate(landing_records_processed_total{result="processed"}[1h])
var (
	LandingRecordsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "landing_records_ingested_total",
			Help: "Total number of landing records appended by ingestion agents.",
		},
	)

	LandingRecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landing_records_processed_total",
			Help: "Total number of landing records handled by the batch processor, by result.",
		},
		[]string{"result"},
	)

	LogBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "log_batch_duration_seconds",
			Help:    "Duration of a complete processAll run over the unprocessed backlog.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

// LogCronRunsTotal has a single {outcome} label: completed, skipped or failed.
// A skipped tick means the previous run was still in flight (or another replica
// holds the run lock).
var LogCronRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "log_cron_runs_total",
		Help: "Total number of scheduled log processing ticks, by outcome.",
	},
	[]string{"outcome"},
)

// WAFToggleRequestsTotal has a single {result} label: ok, invalid, no_key,
// unreachable or rejected.
var WAFToggleRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "waf_toggle_requests_total",
		Help: "Total number of signed WAF toggle commands sent to the edge agent, by result.",
	},
	[]string{"result"},
)

// DBOpenConnections tracks the open connections held by the sql.DB pool. It is
// sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples the pool every 30 seconds until ctx is cancelled or
// the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
