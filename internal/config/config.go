// Package config provides configuration management for the resource buffer
// service.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, RECONCILER_INTERVAL)
// 3. Default values
//
// Import Path: rbs.io/buffer/internal/config
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Pools      PoolsConfig      `mapstructure:"pools"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins is the CORS allowlist for operator consoles. Empty means
	// the local development consoles only.
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	// UnsafeAllowAllOrigins honours "*" in AllowedOrigins. Credentials are
	// then refused.
	UnsafeAllowAllOrigins bool `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// The pgx pool is shared by the store and River.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres or memory

	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	FlightPoolSize  int           `mapstructure:"flight_pool_size"`
	GeneralPoolSize int           `mapstructure:"general_pool_size"`
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
}

// EngineConfig contains flight execution settings.
type EngineConfig struct {
	// WorkerID identifies this process as a flight owner. Generated when empty.
	WorkerID            string        `mapstructure:"worker_id"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL        time.Duration `mapstructure:"heartbeat_ttl"`
	RecoveryInterval    time.Duration `mapstructure:"recovery_interval"`
	ShutdownQuietPeriod time.Duration `mapstructure:"shutdown_quiet_period"`
	ProviderCallTimeout time.Duration `mapstructure:"provider_call_timeout"`

	StepRetry StepRetryConfig `mapstructure:"step_retry"`
}

// StepRetryConfig is the default RETRY budget for steps that do not declare their own.
type StepRetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Factor         float64       `mapstructure:"factor"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ReconcilerConfig contains Pool Reconciler settings.
type ReconcilerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	CreationLimit int           `mapstructure:"creation_limit"`
	DeletionLimit int           `mapstructure:"deletion_limit"`
	LockHold      time.Duration `mapstructure:"lock_hold"`
}

// CleanupConfig contains Cleanup Coordinator settings.
type CleanupConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Interval       time.Duration   `mapstructure:"interval"`
	BatchSize      int             `mapstructure:"batch_size"`
	DefaultTTL     time.Duration   `mapstructure:"default_ttl"`
	ClientLabel    string          `mapstructure:"client_label"`
	JanitorURL     string          `mapstructure:"janitor_url"`
	JanitorTimeout time.Duration   `mapstructure:"janitor_timeout"`
	LockHold       time.Duration   `mapstructure:"lock_hold"`
	Retention      RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig contains the row retention pass settings.
type RetentionConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	Period     time.Duration `mapstructure:"period"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxBatches int           `mapstructure:"max_batches"`
}

// PoolsConfig points at the pool definitions file.
type PoolsConfig struct {
	ConfigPath        string `mapstructure:"config_path"`
	NamingMaxAttempts int    `mapstructure:"naming_max_attempts"`
}

// ProviderConfig selects the provisioning backend.
type ProviderConfig struct {
	Backend             string        `mapstructure:"backend"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	Mock                MockConfig    `mapstructure:"mock"`
}

// MockConfig tunes the in-process mock backend for local runs.
type MockConfig struct {
	TransientFailureRate float64       `mapstructure:"transient_failure_rate"`
	Latency              time.Duration `mapstructure:"latency"`
	TakenNames           []string      `mapstructure:"taken_names"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration from file and environment variables.
// No env prefix: database.max_conns maps to DATABASE_MAX_CONNS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/resource-buffer")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Engine.WorkerID == "" {
		cfg.Engine.WorkerID = generateWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if c.Engine.HeartbeatTTL <= c.Engine.HeartbeatInterval {
		return fmt.Errorf("engine.heartbeat_ttl (%s) must exceed engine.heartbeat_interval (%s)",
			c.Engine.HeartbeatTTL, c.Engine.HeartbeatInterval)
	}
	if c.Engine.StepRetry.MaxAttempts < 1 {
		return fmt.Errorf("engine.step_retry.max_attempts must be at least 1")
	}
	if c.Reconciler.CreationLimit < 0 || c.Reconciler.DeletionLimit < 0 {
		return fmt.Errorf("reconciler limits must not be negative")
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive")
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive")
	}
	if c.Cleanup.Retention.Enabled && c.Cleanup.Retention.Interval <= 0 {
		return fmt.Errorf("cleanup.retention.interval must be positive")
	}
	if c.Provider.HealthCheckInterval <= 0 {
		return fmt.Errorf("provider.health_check_interval must be positive")
	}
	if c.Cleanup.BatchSize < 1 || c.Cleanup.Retention.BatchSize < 1 {
		return fmt.Errorf("cleanup batch sizes must be at least 1")
	}
	if c.Pools.NamingMaxAttempts < 1 {
		return fmt.Errorf("pools.naming_max_attempts must be at least 1")
	}
	if c.Worker.FlightPoolSize < 1 {
		return fmt.Errorf("worker.flight_pool_size must be at least 1")
	}
	return nil
}

// generateWorkerID returns hostname plus a short random suffix so two
// processes on one host never share an identity.
func generateWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_credentials", true)

	// Database
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "buffer")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "buffer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker Pool
	v.SetDefault("worker.flight_pool_size", 64)
	v.SetDefault("worker.general_pool_size", 16)
	v.SetDefault("worker.release_timeout", "30s")

	// Engine
	v.SetDefault("engine.worker_id", "")
	v.SetDefault("engine.heartbeat_interval", "10s")
	v.SetDefault("engine.heartbeat_ttl", "45s")
	v.SetDefault("engine.recovery_interval", "30s")
	v.SetDefault("engine.shutdown_quiet_period", "20s")
	v.SetDefault("engine.provider_call_timeout", "2m")
	v.SetDefault("engine.step_retry.max_attempts", 5)
	v.SetDefault("engine.step_retry.initial_backoff", "1s")
	v.SetDefault("engine.step_retry.factor", 2.0)
	v.SetDefault("engine.step_retry.max_backoff", "1m")

	// Reconciler
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.creation_limit", 20)
	v.SetDefault("reconciler.deletion_limit", 10)
	v.SetDefault("reconciler.lock_hold", "50s")

	// Cleanup
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", "5m")
	v.SetDefault("cleanup.batch_size", 100)
	v.SetDefault("cleanup.default_ttl", "720h")
	v.SetDefault("cleanup.client_label", "resource-buffer")
	v.SetDefault("cleanup.janitor_url", "")
	v.SetDefault("cleanup.janitor_timeout", "10s")
	v.SetDefault("cleanup.lock_hold", "4m")
	v.SetDefault("cleanup.retention.enabled", true)
	v.SetDefault("cleanup.retention.interval", "1h")
	v.SetDefault("cleanup.retention.period", "720h")
	v.SetDefault("cleanup.retention.batch_size", 500)
	v.SetDefault("cleanup.retention.max_batches", 20)

	// Pools
	v.SetDefault("pools.config_path", "pools.yaml")
	v.SetDefault("pools.naming_max_attempts", 5)

	// Provider
	v.SetDefault("provider.backend", "mock")
	v.SetDefault("provider.health_check_interval", "30s")
	v.SetDefault("provider.mock.transient_failure_rate", 0.0)
	v.SetDefault("provider.mock.latency", "0s")
	v.SetDefault("provider.mock.taken_names", []string{})

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "resource_buffer")
}
