// Package api wires together all HTTP routes for the waflog backend.
//
// Route groups:
//   - /api/v1/landing is the ingest surface edge agents push to. It is the only
//     group behind the rate limiter and the body decoding middleware.
//   - /api/v1/logs drives the batch processor and the cron scheduler.
//   - /api/v1/waf toggles enforcement on the edge agent.
//
// Prometheus metrics are served by cmd/server on a separate port, never here.
package api

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/waflog/waflog-backend/internal/agent"
	"github.com/waflog/waflog-backend/internal/api/landing"
	"github.com/waflog/waflog-backend/internal/api/logs"
	"github.com/waflog/waflog-backend/internal/api/waf"
	"github.com/waflog/waflog-backend/internal/config"
	"github.com/waflog/waflog-backend/internal/crypto"
	"github.com/waflog/waflog-backend/internal/db/repositories"
	"github.com/waflog/waflog-backend/internal/jobs"
	"github.com/waflog/waflog-backend/internal/lock"
	"github.com/waflog/waflog-backend/internal/middleware"
	"github.com/waflog/waflog-backend/internal/projector"
	"github.com/waflog/waflog-backend/internal/services"
)

// Version is reported by /version and the version subcommand.
const Version = "0.1.0"

// BackgroundServices holds the jobs and watchers that outlive a request. The
// caller (cmd/server) starts them after the router is built and calls Shutdown
// once the HTTP server has drained.
type BackgroundServices struct {
	ctx        context.Context
	scheduler  *jobs.LogScheduler
	worker     *jobs.LogWorker
	keyWatcher *agent.KeyWatcher
	limiter    *middleware.MemoryLimiter
}

// Start launches the cron scheduler, the optional polling worker and the key
// file watcher.
func (bg *BackgroundServices) Start() {
	bg.scheduler.Start(bg.ctx)
	if bg.worker != nil {
		bg.worker.Start(bg.ctx)
	}
	if bg.keyWatcher != nil {
		if err := bg.keyWatcher.Start(bg.ctx); err != nil {
			slog.Error("agent key watcher not started", "error", err)
		}
	}
}

// Shutdown stops all background goroutines. A scheduled run in flight is
// cancelled and waited for.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.worker != nil {
		bg.worker.Stop()
	}
	bg.scheduler.Stop()
	if bg.keyWatcher != nil {
		bg.keyWatcher.Stop()
	}
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	slog.Info("all background services stopped")
}

// Scheduler exposes the log scheduler for the one-shot process command.
func (bg *BackgroundServices) Scheduler() *jobs.LogScheduler {
	return bg.scheduler
}

// NewRouter creates and configures the Gin router. redisClient may be nil, in
// which case locks and rate limits are per process. Background work started
// through the returned services runs under ctx.
func NewRouter(ctx context.Context, cfg *config.Config, db *sqlx.DB, redisClient redis.UniversalClient) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	// Repositories
	landingRepo := repositories.NewLandingRepository(db)
	securityLogRepo := repositories.NewSecurityLogRepository(db)
	wafStatusRepo := repositories.NewWAFStatusRepository(db)

	// Batch processing
	processor := services.NewLogProcessor(landingRepo, securityLogRepo, projector.New()).
		WithClaimLease(cfg.Processing.ClaimLease)

	var locker lock.Locker = lock.NewLocal()
	if redisClient != nil {
		locker = lock.NewRedis(redisClient, cfg.Redis.KeyPrefix+"lock:")
	}
	scheduler, err := jobs.NewLogScheduler(processor, locker, jobs.SchedulerConfig{
		Enabled:   cfg.Processing.Cron.Enabled,
		Schedule:  cfg.Processing.Cron.Schedule,
		Timezone:  cfg.Processing.Cron.Timezone,
		BatchSize: cfg.Processing.BatchSize,
		LockTTL:   cfg.Processing.Cron.LockTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log scheduler: %w", err)
	}
	bg := &BackgroundServices{ctx: ctx, scheduler: scheduler}
	if cfg.Processing.Worker.Enabled {
		bg.worker = jobs.NewLogWorker(scheduler, cfg.Processing.Worker.Interval)
	}

	// Edge agent client
	agentClient, keyWatcher, err := newAgentClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	bg.keyWatcher = keyWatcher

	// Ingest rate limiting
	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
		}
		if redisClient != nil {
			limiter = middleware.NewRedisLimiter(redisClient, cfg.Redis.KeyPrefix, rlCfg)
		} else {
			mem := middleware.NewMemoryLimiter(rlCfg)
			bg.limiter = mem
			limiter = mem
		}
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.AccessLogMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(cfg.Security.TLS.Enabled))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, redisClient, agentClient))
	router.GET("/version", versionHandler())

	landingHandler := landing.NewHandler(landingRepo)
	logsHandler := logs.NewHandler(ctx, processor, scheduler, cfg.Processing.BatchSize)
	wafHandler := waf.NewHandler(agentClient, wafStatusRepo)

	apiV1 := router.Group("/api/v1")
	{
		ingest := []gin.HandlerFunc{}
		if limiter != nil {
			ingest = append(ingest, middleware.RateLimitMiddleware(limiter))
		}
		ingest = append(ingest, middleware.DecodedBodyMiddleware(cfg.Ingest.MaxBodyBytes), landingHandler.Ingest)
		apiV1.POST("/landing", ingest...)

		logsGroup := apiV1.Group("/logs")
		{
			logsGroup.POST("/process", logsHandler.ProcessAll)
			logsGroup.POST("/process/:id", logsHandler.ProcessRecord)
			logsGroup.GET("/cron/status", logsHandler.CronStatus)
			logsGroup.POST("/cron/start", logsHandler.CronStart)
			logsGroup.POST("/cron/stop", logsHandler.CronStop)
			logsGroup.POST("/cron/trigger", logsHandler.CronTrigger)
		}

		wafGroup := apiV1.Group("/waf")
		{
			wafGroup.GET("/:domain", wafHandler.Get)
			wafGroup.POST("/:domain/toggle", wafHandler.Toggle)
		}
	}

	return router, bg, nil
}

// newAgentClient builds the agent client and installs the configured signing
// key. A key that fails to load is logged, not fatal: toggles then fail closed
// until a valid key appears. A key file is watched for rotation.
func newAgentClient(cfg *config.Config) (*agent.Client, *agent.KeyWatcher, error) {
	client := agent.NewClient(agent.Config{
		URL:       cfg.Agent.URL,
		AuthToken: cfg.Agent.AuthToken,
		Timeout:   cfg.Agent.Timeout,
	})

	src := agent.KeySource{
		PEM:    cfg.Agent.PrivateKey,
		Sealed: cfg.Agent.PrivateKeySealed,
		File:   cfg.Agent.PrivateKeyFile,
	}
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize sealer: %w", err)
		}
		src.Sealer = sealer
	}
	if !src.Configured() {
		log.Println("No agent signing key configured; WAF toggles will be refused")
		return client, nil, nil
	}

	if src.File != "" {
		watcher, err := agent.NewKeyWatcher(client, src)
		if err != nil {
			return nil, nil, err
		}
		if err := watcher.Reload(); err != nil {
			slog.Error("failed to load agent signing key", "file", src.File, "error", err)
		}
		return client, watcher, nil
	}

	key, err := agent.LoadKey(src)
	if err != nil {
		slog.Error("failed to load agent signing key", "error", err)
		return client, nil, nil
	}
	client.SetKey(key)
	slog.Info("agent signing key loaded", "bits", key.N.BitLen())
	return client, nil, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// healthCheckHandler is the liveness probe.
func healthCheckHandler(db pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler also probes redis when it is configured. A missing signing
// key is reported but does not fail readiness: ingest and processing still work.
func readinessHandler(db pinger, redisClient redis.UniversalClient, agentClient *agent.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		if agentClient != nil {
			if agentClient.Ready() {
				checks["agent_key"] = "loaded"
			} else {
				checks["agent_key"] = "missing"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
