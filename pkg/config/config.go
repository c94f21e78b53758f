package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"attack-pipeline/pkg/job"
)

// Config holds the configuration shared by every binary of the pipeline.
// Values come from environment variables; unset values fall back to defaults.
type Config struct {
	DatabaseURL string
	DBMaxConns  int
	RabbitMQURL string
	RedisAddr   string
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string

	WebhookBaseURL string
	WebhookSecret  string
	WebhookTimeout time.Duration

	ScriptsDir          string
	SandboxTimeout      time.Duration
	SandboxCPUs         string
	SandboxMemory       string
	SandboxPidsLimit    int
	SandboxCacheImages  bool
	JobMaxAttempts      int
	JobBackoffDelay     time.Duration
	WorkerConcurrency   int
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	ReconcileSchedule   string
	ReconcileBatchSize  int
	ReconcileLeaseSlack time.Duration

	AuthTokenSecret    string
	CORSAllowedOrigins []string

	// CircuitBreakerThreshold: 0 disables the webhook circuit breaker.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// invalid collects raw values that failed to parse, reported by Validate.
	invalid map[string]string
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{invalid: make(map[string]string)}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.AuthTokenSecret = os.Getenv("AUTH_TOKEN_SECRET")
	cfg.MinIOEndpoint = os.Getenv("MINIO_ENDPOINT")
	cfg.MinIOAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.MinIOSecretKey = os.Getenv("MINIO_SECRET_KEY")

	cfg.HTTPAddr = stringOr("HTTP_ADDR", ":8080")
	cfg.MetricsAddr = stringOr("METRICS_ADDR", ":9091")
	cfg.LogLevel = stringOr("LOG_LEVEL", "info")
	cfg.WebhookBaseURL = strings.TrimRight(stringOr("WEBHOOK_BASE_URL", "http://backend:8080"), "/")
	cfg.ScriptsDir = stringOr("SCRIPTS_DIR", "./scripts")
	cfg.SandboxCPUs = stringOr("SANDBOX_CPUS", "0.5")
	cfg.SandboxMemory = stringOr("SANDBOX_MEMORY", "256m")
	cfg.ReconcileSchedule = stringOr("RECONCILE_SCHEDULE", "@every 1m")
	cfg.MinIOBucket = stringOr("MINIO_BUCKET", "attack-artifacts")

	cfg.DBMaxConns = cfg.intOr("DB_MAX_CONNS", 10)
	cfg.SandboxPidsLimit = cfg.intOr("SANDBOX_PIDS_LIMIT", 128)
	cfg.JobMaxAttempts = cfg.intOr("JOB_MAX_ATTEMPTS", 3)
	cfg.WorkerConcurrency = cfg.intOr("WORKER_CONCURRENCY", 4)
	cfg.OutboxBatchSize = cfg.intOr("OUTBOX_BATCH_SIZE", 100)
	cfg.ReconcileBatchSize = cfg.intOr("RECONCILE_BATCH_SIZE", 100)
	cfg.CircuitBreakerThreshold = cfg.intOr("CIRCUIT_BREAKER_THRESHOLD", 5)

	cfg.WebhookTimeout = cfg.durationOr("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.SandboxTimeout = cfg.durationOr("SANDBOX_TIMEOUT", 300*time.Second)
	cfg.JobBackoffDelay = cfg.durationOr("JOB_BACKOFF_DELAY", 1000*time.Millisecond)
	cfg.OutboxPollInterval = cfg.durationOr("OUTBOX_POLL_INTERVAL", time.Second)
	cfg.ReconcileLeaseSlack = cfg.durationOr("RECONCILE_LEASE_SLACK", time.Minute)
	cfg.CircuitBreakerCooldown = cfg.durationOr("CIRCUIT_BREAKER_COOLDOWN", 30*time.Second)

	cfg.SandboxCacheImages = os.Getenv("SANDBOX_CACHE_IMAGES") == "true"
	cfg.MinIOUseSSL = os.Getenv("MINIO_USE_SSL") == "true"

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

// JobLease is how long a claimed job stays owned by one worker before the
// reconciler may hand it to another.
func (c Config) JobLease() time.Duration {
	return c.SandboxTimeout + c.WebhookTimeout*2 + c.ReconcileLeaseSlack
}

// JobOptions is the retry policy stamped on admitted jobs.
func (c Config) JobOptions() job.Options {
	return job.Options{
		MaxAttempts: c.JobMaxAttempts,
		Backoff:     job.Backoff{Type: job.BackoffExponential, Delay: c.JobBackoffDelay},
	}.Normalize()
}

// RetryDelays are the retry queue TTLs the broker topology must declare.
func (c Config) RetryDelays() []time.Duration {
	o := c.JobOptions()
	return o.Backoff.RetryDelays(o.MaxAttempts)
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stringOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.invalid[key] = v
		return def
	}
	return n
}

func (c *Config) durationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.invalid[key] = v
		return def
	}
	return d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := map[string]any{
		"database_url":              maskSecret(c.DatabaseURL),
		"db_max_conns":              c.DBMaxConns,
		"rabbitmq_url":              maskSecret(c.RabbitMQURL),
		"redis_addr":                c.RedisAddr,
		"http_addr":                 c.HTTPAddr,
		"metrics_addr":              c.MetricsAddr,
		"log_level":                 c.LogLevel,
		"webhook_base_url":          c.WebhookBaseURL,
		"webhook_secret":            maskSecret(c.WebhookSecret),
		"webhook_timeout":           c.WebhookTimeout.String(),
		"scripts_dir":               c.ScriptsDir,
		"sandbox_timeout":           c.SandboxTimeout.String(),
		"sandbox_cpus":              c.SandboxCPUs,
		"sandbox_memory":            c.SandboxMemory,
		"sandbox_pids_limit":        c.SandboxPidsLimit,
		"sandbox_cache_images":      c.SandboxCacheImages,
		"job_max_attempts":          c.JobMaxAttempts,
		"job_backoff_delay":         c.JobBackoffDelay.String(),
		"worker_concurrency":        c.WorkerConcurrency,
		"outbox_poll_interval":      c.OutboxPollInterval.String(),
		"reconcile_schedule":        c.ReconcileSchedule,
		"auth_token_secret":         maskSecret(c.AuthTokenSecret),
		"cors_allowed_origins":      c.CORSAllowedOrigins,
		"circuit_breaker_threshold": c.CircuitBreakerThreshold,
		"circuit_breaker_cooldown":  c.CircuitBreakerCooldown.String(),
		"minio_endpoint":            c.MinIOEndpoint,
		"minio_bucket":              c.MinIOBucket,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
