// Package config provides configuration loading for the taskflow service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/auth"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/tracing"
)

// Config holds all configuration for the taskflow service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration // 0 disables; event streams are long-lived
	ShutdownGrace time.Duration

	// Event store: "memory", "redis" or "sqlite"
	EventStoreType string
	SQLitePath     string

	// Redis configuration, shared by the event and definition stores
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	EventTTL      time.Duration

	// Definition store: "memory" or "redis"
	DefinitionStoreType string

	// Archive configuration (S3 or MinIO)
	ArchiveEnabled bool
	S3Endpoint     string
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
	S3Prefix       string

	// Tracing
	TracingEnabled  bool
	OTLPEndpoint    string
	TraceSampleRate float64
	ServiceVersion  string

	// Orchestrator configuration
	MaxParallelism      int
	PerAgentConcurrency int
	DefaultMaxAttempts  int
	DefaultTimeout      time.Duration
	BackoffPolicy       string
	BackoffBase         time.Duration
	BackoffMultiplier   float64
	BackoffMax          time.Duration
	BackoffJitter       float64
	EmitLifecycle       bool

	// CatalogPath points at the YAML agent/policy catalog (optional)
	CatalogPath string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Authentication (OIDC bearer tokens)
	AuthEnabled       bool
	OIDCIssuerURL     string
	OIDCClientID      string
	AuthRequiredRoles []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	backoff := orchestrator.DefaultBackoffConfig()
	orch := orchestrator.DefaultConfig()

	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Stores
		EventStoreType:      getEnv("TASKFLOW_EVENTSTORE", "memory"),
		SQLitePath:          getEnv("TASKFLOW_SQLITE_PATH", "data/taskflow.db"),
		DefinitionStoreType: getEnv("TASKFLOW_DEFINITIONSTORE", "memory"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "taskflow"),
		EventTTL:      getDuration("TASKFLOW_EVENT_TTL", 0),

		// Archive
		ArchiveEnabled: getBool("TASKFLOW_ARCHIVE_ENABLED", false),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Bucket:       getEnv("S3_BUCKET", "taskflow-archive"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:       getBool("S3_USE_SSL", false),
		S3Prefix:       getEnv("S3_PREFIX", "workflows"),

		// Tracing
		TracingEnabled:  getBool("OTEL_ENABLED", false),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),
		ServiceVersion:  getEnv("SERVICE_VERSION", "1.0.0"),

		// Orchestrator
		MaxParallelism:      getInt("TASKFLOW_MAX_PARALLELISM", orch.MaxParallelism), // 0 = unlimited
		PerAgentConcurrency: getInt("TASKFLOW_PER_AGENT_CONCURRENCY", orch.PerAgentConcurrency),
		DefaultMaxAttempts:  getInt("TASKFLOW_MAX_ATTEMPTS_DEFAULT", orch.DefaultMaxAttempts),
		DefaultTimeout:      getDuration("TASKFLOW_TIMEOUT_DEFAULT", orch.DefaultTimeout),
		BackoffPolicy:       getEnv("TASKFLOW_BACKOFF_POLICY", string(backoff.Policy)),
		BackoffBase:         getDuration("TASKFLOW_BACKOFF_BASE", backoff.Base),
		BackoffMultiplier:   getFloat("TASKFLOW_BACKOFF_MULTIPLIER", backoff.Multiplier),
		BackoffMax:          getDuration("TASKFLOW_BACKOFF_MAX", backoff.Max),
		BackoffJitter:       getFloat("TASKFLOW_BACKOFF_JITTER", backoff.Jitter),
		EmitLifecycle:       getBool("TASKFLOW_EMIT_LIFECYCLE", orch.EmitLifecycle),

		CatalogPath: getEnv("TASKFLOW_CATALOG", ""),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Auth
		AuthEnabled:       getBool("AUTH_ENABLED", false),
		OIDCIssuerURL:     getEnv("OIDC_ISSUER_URL", ""),
		OIDCClientID:      getEnv("OIDC_CLIENT_ID", ""),
		AuthRequiredRoles: getStringSlice("AUTH_REQUIRED_ROLES", nil),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects unknown backends and bad orchestrator settings.
func (c *Config) Validate() error {
	switch c.EventStoreType {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("TASKFLOW_EVENTSTORE: unknown store %q", c.EventStoreType)
	}
	switch c.DefinitionStoreType {
	case "memory", "redis":
	default:
		return fmt.Errorf("TASKFLOW_DEFINITIONSTORE: unknown store %q", c.DefinitionStoreType)
	}
	if c.ArchiveEnabled && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when the archive is enabled")
	}
	if c.AuthEnabled {
		if err := c.Auth().Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Orchestrator().Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// Orchestrator returns the engine configuration.
func (c *Config) Orchestrator() *orchestrator.Config {
	return &orchestrator.Config{
		MaxParallelism:      c.MaxParallelism,
		PerAgentConcurrency: c.PerAgentConcurrency,
		DefaultMaxAttempts:  c.DefaultMaxAttempts,
		DefaultTimeout:      c.DefaultTimeout,
		Backoff: orchestrator.BackoffConfig{
			Policy:     orchestrator.BackoffPolicy(c.BackoffPolicy),
			Base:       c.BackoffBase,
			Multiplier: c.BackoffMultiplier,
			Max:        c.BackoffMax,
			Jitter:     c.BackoffJitter,
		},
		EmitLifecycle: c.EmitLifecycle,
	}
}

// Redis returns the event store redis configuration.
func (c *Config) Redis() *eventlog.RedisConfig {
	rc := eventlog.DefaultRedisConfig()
	rc.URL = c.RedisURL
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	rc.Prefix = c.RedisPrefix
	rc.TTL = c.EventTTL
	return rc
}

// S3 returns the archive configuration.
func (c *Config) S3() *archive.S3Config {
	return &archive.S3Config{
		Endpoint:        c.S3Endpoint,
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKey,
		SecretAccessKey: c.S3SecretKey,
		UseSSL:          c.S3UseSSL,
		PathPrefix:      c.S3Prefix,
	}
}

// Auth returns the OIDC provider configuration.
func (c *Config) Auth() *auth.Config {
	return &auth.Config{
		Issuer:   c.OIDCIssuerURL,
		ClientID: c.OIDCClientID,
	}
}

// Tracing returns the OpenTelemetry configuration.
func (c *Config) Tracing() *tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = c.TracingEnabled
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.SampleRate = c.TraceSampleRate
	tc.ServiceVersion = c.ServiceVersion
	return tc
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}
