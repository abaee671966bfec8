// Package config loads and validates fleet configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Health    HealthConfig    `mapstructure:"health"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Async     AsyncConfig     `mapstructure:"async"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig controls the gateway HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkersConfig lists the fleet and the worker HTTP contract.
type WorkersConfig struct {
	Endpoints      []string `mapstructure:"endpoints"`
	ProbePath      string   `mapstructure:"probe_path"`
	JobPath        string   `mapstructure:"job_path"`
	RecyclePath    string   `mapstructure:"recycle_path"`
	MaxResultBytes int64    `mapstructure:"max_result_bytes"`
	UserAgent      string   `mapstructure:"user_agent"`
}

// HealthConfig drives the probe loop and the worker state machine.
type HealthConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`
	RecycleBudget    int           `mapstructure:"recycle_budget"`
}

// DispatchConfig governs retries, failover, and deadlines.
type DispatchConfig struct {
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	DefaultDeadline   time.Duration `mapstructure:"default_deadline"`
	MaxDeadline       time.Duration `mapstructure:"max_deadline"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	NoEligibleRetries int           `mapstructure:"no_eligible_retries"`
	TieBreak          string        `mapstructure:"tie_break"`
	RetryOnTimeout    bool          `mapstructure:"retry_on_timeout"`
	DeadlineSlack     time.Duration `mapstructure:"deadline_slack"`
}

// AsyncConfig sizes the background job runner.
type AsyncConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Concurrency     int           `mapstructure:"concurrency"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RateLimitConfig bounds job admission per client.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ProgressConfig tunes the event hub and selects its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// DatabaseConfig selects the event ledger backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where async results are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds topics for outcome and health notifications.
type PubSubConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProjectID    string `mapstructure:"project_id"`
	OutcomeTopic string `mapstructure:"outcome_topic"`
	HealthTopic  string `mapstructure:"health_topic"`
}

// TelemetryConfig configures tracing export and resource attributes.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Version      string  `mapstructure:"version"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	ProjectID    string  `mapstructure:"project_id"`
	Region       string  `mapstructure:"region"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// AgentConfig configures the reference worker agent.
type AgentConfig struct {
	Port          int           `mapstructure:"port"`
	Engine        string        `mapstructure:"engine"`
	RecycleBudget int           `mapstructure:"recycle_budget"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	Headless      bool          `mapstructure:"headless"`
	ChromePath    string        `mapstructure:"chrome_path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("workers.endpoints", []string{})
	v.SetDefault("workers.probe_path", "/health")
	v.SetDefault("workers.job_path", "/api/scrape")
	v.SetDefault("workers.recycle_path", "/api/recycle")
	v.SetDefault("workers.max_result_bytes", 16<<20)
	v.SetDefault("workers.user_agent", "scrape-fleet/0.1")

	v.SetDefault("health.probe_interval", "10s")
	v.SetDefault("health.probe_timeout", "3s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.circuit_cooldown", "30s")
	v.SetDefault("health.recycle_budget", 50)

	v.SetDefault("dispatch.attempt_timeout", "30s")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.default_deadline", "2m")
	v.SetDefault("dispatch.max_deadline", "10m")
	v.SetDefault("dispatch.backoff_initial", "100ms")
	v.SetDefault("dispatch.backoff_max", "2s")
	v.SetDefault("dispatch.no_eligible_retries", 2)
	v.SetDefault("dispatch.tie_break", "earliest_probe")
	v.SetDefault("dispatch.retry_on_timeout", true)
	v.SetDefault("dispatch.deadline_slack", "25ms")

	v.SetDefault("async.enabled", true)
	v.SetDefault("async.concurrency", 4)
	v.SetDefault("async.queue_depth", 64)
	v.SetDefault("async.retention", "2h")
	v.SetDefault("async.cleanup_interval", "30m")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", false)

	v.SetDefault("database.driver", "none")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "fleet.db")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "results")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.content_type", "application/json")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.outcome_topic", "fleet-outcomes")
	v.SetDefault("pubsub.health_topic", "fleet-health")

	v.SetDefault("telemetry.service_name", "scrape-fleet")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("agent.port", 9000)
	v.SetDefault("agent.engine", "chromedp")
	v.SetDefault("agent.recycle_budget", 0)
	v.SetDefault("agent.nav_timeout", "25s")
	v.SetDefault("agent.user_agent", "scrape-fleet-agent/0.1")
	v.SetDefault("agent.headless", true)
	v.SetDefault("agent.chrome_path", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be > 0")
	}
	if c.Health.ProbeInterval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_interval and health.probe_timeout must be > 0")
	}
	if c.Health.RecycleBudget < 0 {
		return fmt.Errorf("health.recycle_budget must be >= 0")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be > 0")
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be > 0")
	}
	if c.Dispatch.MaxDeadline > 0 && c.Dispatch.DefaultDeadline > c.Dispatch.MaxDeadline {
		return fmt.Errorf("dispatch.default_deadline must not exceed dispatch.max_deadline")
	}
	switch c.Dispatch.TieBreak {
	case "", "earliest_probe", "latest_probe":
	default:
		return fmt.Errorf("dispatch.tie_break must be earliest_probe or latest_probe, got %q", c.Dispatch.TieBreak)
	}
	if c.Async.Enabled && (c.Async.Concurrency <= 0 || c.Async.QueueDepth <= 0) {
		return fmt.Errorf("async.concurrency and async.queue_depth must be > 0 when async is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	switch c.Database.Driver {
	case "", "none":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "otlp":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}
	switch c.Agent.Engine {
	case "chromedp", "colly":
	default:
		return fmt.Errorf("agent.engine must be chromedp or colly, got %q", c.Agent.Engine)
	}
	return nil
}
