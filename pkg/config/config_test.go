package config

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 300*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, time.Second, cfg.JobBackoffDelay)
	assert.Equal(t, "@every 1m", cfg.ReconcileSchedule)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT", "45s")
	t.Setenv("JOB_MAX_ATTEMPTS", "5")
	t.Setenv("WEBHOOK_BASE_URL", "http://backend:3000/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("SANDBOX_CACHE_IMAGES", "true")

	cfg := Load()

	assert.Equal(t, 45*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, 5, cfg.JobMaxAttempts)
	assert.Equal(t, "http://backend:3000", cfg.WebhookBaseURL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.SandboxCacheImages)
}

func TestValidateReportsUnparsableValues(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT", "forever")
	t.Setenv("WORKER_CONCURRENCY", "-2")

	err := Validate(Load())
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "SANDBOX_TIMEOUT")
	assert.Contains(t, fields, "WORKER_CONCURRENCY")
}

func TestValidateRequirements(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = ""
	cfg.RabbitMQURL = ""

	err := Validate(cfg, NeedDatabase, NeedRabbitMQ)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL: required")
	assert.Contains(t, err.Error(), "RABBITMQ_URL: required")

	assert.NoError(t, Validate(cfg))
}

func TestValidateWebhookURL(t *testing.T) {
	cfg := Load()
	cfg.WebhookBaseURL = "ftp://backend"
	assert.Error(t, Validate(cfg, NeedWebhook))

	cfg.WebhookBaseURL = "http://backend:8080"
	assert.NoError(t, Validate(cfg, NeedWebhook))
}

func TestValidateSchedule(t *testing.T) {
	cfg := Load()
	cfg.ReconcileSchedule = "every now and then"
	assert.Error(t, Validate(cfg))
}

func TestJobLeaseCoversSandboxTimeout(t *testing.T) {
	cfg := Load()
	assert.Greater(t, cfg.JobLease(), cfg.SandboxTimeout)
}

func TestRetryDelaysFollowBackoff(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "4")
	t.Setenv("JOB_BACKOFF_DELAY", "500ms")
	cfg := Load()

	assert.Equal(t, 4, cfg.JobOptions().MaxAttempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, cfg.RetryDelays())
}

func TestMaskedJSONHidesSecrets(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = "postgres://user:pass@db/phish"
	cfg.RabbitMQURL = "amqp://guest:guest@mq:5672/"
	cfg.WebhookSecret = "s3cret"

	b, err := cfg.MaskedJSON()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "postgres://***", out["database_url"])
	assert.Equal(t, "amqp://***", out["rabbitmq_url"])
	assert.Equal(t, "***", out["webhook_secret"])
	assert.NotContains(t, string(b), "pass@db")
}
