// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the WAFLOG_ prefix (e.g.
// WAFLOG_PROCESSING_CRON_SCHEDULE overrides processing.cron.schedule).
//
// ENCRYPTION_KEY has no prefix because it is usually injected by secret tooling
// that does not know the application prefix. It opens agent.private_key_sealed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EncryptionKeyEnv names the variable holding the passphrase for sealed secrets.
const EncryptionKeyEnv = "ENCRYPTION_KEY"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ingest     IngestConfig     `mapstructure:"ingest"`

	// EncryptionKey is read from ENCRYPTION_KEY, never from the config file.
	EncryptionKey string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// RateLimitingConfig applies to the ingest endpoint only.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProcessingConfig drives the batch processor and its two schedulers.
type ProcessingConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	ClaimLease time.Duration `mapstructure:"claim_lease"`
	Cron       CronConfig    `mapstructure:"cron"`
	Worker     WorkerConfig  `mapstructure:"worker"`
}

type CronConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	Timezone string `mapstructure:"timezone"`
	// LockTTL bounds how long a crashed replica can hold the cross-replica run lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type WorkerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AgentConfig points at the edge agent that applies enforcement toggles. The
// signing key comes from exactly one of PrivateKeyFile, PrivateKeySealed or
// PrivateKey, in that order of precedence.
type AgentConfig struct {
	URL              string        `mapstructure:"url"`
	AuthToken        string        `mapstructure:"auth_token"`
	PrivateKey       string        `mapstructure:"private_key"`
	PrivateKeyFile   string        `mapstructure:"private_key_file"`
	PrivateKeySealed string        `mapstructure:"private_key_sealed"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type IngestConfig struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging / telemetry
		"logging.level",
		"logging.format",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Processing
		"processing.batch_size",
		"processing.claim_lease",
		"processing.cron.enabled",
		"processing.cron.schedule",
		"processing.cron.timezone",
		"processing.cron.lock_ttl",
		"processing.worker.enabled",
		"processing.worker.interval",

		// Agent
		"agent.url",
		"agent.auth_token",
		"agent.private_key",
		"agent.private_key_file",
		"agent.private_key_sealed",
		"agent.timeout",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",

		// Ingest
		"ingest.max_body_bytes",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/waflog")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("WAFLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Agent.AuthToken = expandEnv(cfg.Agent.AuthToken)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.EncryptionKey = os.Getenv(EncryptionKeyEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "waflog")
	v.SetDefault("database.user", "waflog")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 600)
	v.SetDefault("security.rate_limiting.burst", 100)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Processing defaults
	v.SetDefault("processing.batch_size", 100)
	v.SetDefault("processing.claim_lease", "5m")
	v.SetDefault("processing.cron.enabled", true)
	v.SetDefault("processing.cron.schedule", "*/5 * * * *")
	v.SetDefault("processing.cron.timezone", "UTC")
	v.SetDefault("processing.cron.lock_ttl", "30m")
	v.SetDefault("processing.worker.enabled", false)
	v.SetDefault("processing.worker.interval", "30s")

	// Agent defaults
	v.SetDefault("agent.timeout", "0s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "waflog:")

	// Ingest defaults
	v.SetDefault("ingest.max_body_bytes", 10<<20)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Processing.BatchSize < 1 || c.Processing.BatchSize > 10000 {
		return fmt.Errorf("invalid processing.batch_size: %d (must be 1-10000)", c.Processing.BatchSize)
	}
	if c.Processing.ClaimLease <= 0 {
		return fmt.Errorf("processing.claim_lease must be positive")
	}
	if _, err := cron.ParseStandard(c.Processing.Cron.Schedule); err != nil {
		return fmt.Errorf("invalid processing.cron.schedule %q: %w", c.Processing.Cron.Schedule, err)
	}
	if _, err := time.LoadLocation(c.Processing.Cron.Timezone); err != nil {
		return fmt.Errorf("invalid processing.cron.timezone %q: %w", c.Processing.Cron.Timezone, err)
	}
	if c.Processing.Worker.Enabled && c.Processing.Worker.Interval <= 0 {
		return fmt.Errorf("processing.worker.interval must be positive when the worker is enabled")
	}

	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be positive")
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
