// Package main is the entry point for the waflog backend binary. Subcommands are
// dispatched with a plain switch on os.Args:
//
//	serve               run the HTTP API, the cron scheduler and the worker (default)
//	migrate <up|down>   apply or roll back schema migrations
//	process             drain the landing backlog once and exit
//	seal-key [file]     seal a PEM signing key with ENCRYPTION_KEY for agent.private_key_sealed
//	version             print the version
//
// The serve command runs migrations on startup so a fresh container needs no
// separate migration step.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/waflog/waflog-backend/internal/agent"
	"github.com/waflog/waflog-backend/internal/api"
	"github.com/waflog/waflog-backend/internal/config"
	"github.com/waflog/waflog-backend/internal/crypto"
	"github.com/waflog/waflog-backend/internal/db"
	"github.com/waflog/waflog-backend/internal/db/repositories"
	"github.com/waflog/waflog-backend/internal/projector"
	"github.com/waflog/waflog-backend/internal/services"
	"github.com/waflog/waflog-backend/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("waflog-backend v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "process":
		return processOnce(cfg)
	case "seal-key":
		path := ""
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		return sealKey(cfg, path, os.Stdin, os.Stdout)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, process, seal-key, version", command)
	}
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	log.Printf("Connected to database %s on %s:%d", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)

	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", version, dirty)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartDBStatsCollector(ctx, database)

	redisClient := connectRedis(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Metrics live on their own port so the scrape path never goes through ingress.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	router, bgServices, err := api.NewRouter(ctx, cfg, sqlxDB, redisClient)
	if err != nil {
		return err
	}
	bgServices.Start()

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		var err error
		if cfg.Security.TLS.Enabled {
			log.Printf("TLS enabled: cert=%s, key=%s", cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			bgServices.Shutdown()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// After the HTTP server so in-flight manual triggers finish first.
	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

// connectRedis returns nil when redis is disabled or unreachable at startup. The
// service then falls back to per-process locks and rate limits.
func connectRedis(ctx context.Context, cfg *config.Config) redis.UniversalClient {
	if !cfg.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable, falling back to in-process locks and rate limits",
			"addr", cfg.Redis.Addr, "error", err)
		client.Close()
		return nil
	}
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	return client
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// processOnce drains the backlog without the scheduler, for use from an external
// cron or a maintenance shell. It does not take the cross-replica run lock.
func processOnce(cfg *config.Config) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlxDB := sqlx.NewDb(database, "postgres")
	processor := services.NewLogProcessor(
		repositories.NewLandingRepository(sqlxDB),
		repositories.NewSecurityLogRepository(sqlxDB),
		projector.New(),
	).WithClaimLease(cfg.Processing.ClaimLease)

	result, err := processor.ProcessAll(ctx, nil, cfg.Processing.BatchSize)
	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		return fmt.Errorf("processing aborted: %w", err)
	}
	return nil
}

// sealKey validates a PEM private key and prints it sealed with ENCRYPTION_KEY.
func sealKey(cfg *config.Config, path string, stdin io.Reader, stdout io.Writer) error {
	if cfg.EncryptionKey == "" {
		return fmt.Errorf("%s must be set to seal a key", config.EncryptionKeyEnv)
	}
	var pemData []byte
	var err error
	if path == "" || path == "-" {
		pemData, err = io.ReadAll(stdin)
	} else {
		pemData, err = os.ReadFile(path) // #nosec G304 -- operator-supplied path on the CLI
	}
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}

	key, err := agent.ParsePrivateKey(string(pemData))
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	sealed, err := sealer.Seal([]byte(agent.NormalizePEM(string(pemData))))
	if err != nil {
		return err
	}
	slog.Info("sealed agent signing key", "bits", key.N.BitLen())
	_, err = fmt.Fprintln(stdout, sealed)
	return err
}
