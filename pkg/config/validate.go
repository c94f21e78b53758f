package config

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Requirement names a dependency a binary needs configured.
type Requirement int

const (
	NeedDatabase Requirement = iota
	NeedRabbitMQ
	NeedWebhook
)

// Validate checks the configuration for errors. Each binary passes the
// connections it needs; values every binary uses are always checked.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config, needs ...Requirement) error {
	var errs ValidationErrors

	keys := make([]string, 0, len(cfg.invalid))
	for k := range cfg.invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		errs = append(errs, ValidationError{Field: k, Message: fmt.Sprintf("invalid value %q", cfg.invalid[k])})
	}

	for _, n := range needs {
		switch n {
		case NeedDatabase:
			if cfg.DatabaseURL == "" {
				errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
			}
		case NeedRabbitMQ:
			if cfg.RabbitMQURL == "" {
				errs = append(errs, ValidationError{Field: "RABBITMQ_URL", Message: "required"})
			}
		case NeedWebhook:
			if err := validateBaseURL(cfg.WebhookBaseURL); err != nil {
				errs = append(errs, ValidationError{Field: "WEBHOOK_BASE_URL", Message: err.Error()})
			}
		}
	}

	if cfg.JobMaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "JOB_MAX_ATTEMPTS", Message: "must be at least 1"})
	}
	if cfg.JobBackoffDelay <= 0 {
		errs = append(errs, ValidationError{Field: "JOB_BACKOFF_DELAY", Message: "must be positive"})
	}
	if cfg.SandboxTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "SANDBOX_TIMEOUT", Message: "must be positive"})
	}
	if cfg.WorkerConcurrency < 1 {
		errs = append(errs, ValidationError{Field: "WORKER_CONCURRENCY", Message: "must be at least 1"})
	}
	if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
		errs = append(errs, ValidationError{Field: "RECONCILE_SCHEDULE", Message: fmt.Sprintf("invalid schedule: %v", err)})
	}
	if cfg.MinIOEndpoint != "" && (cfg.MinIOAccessKey == "" || cfg.MinIOSecretKey == "") {
		errs = append(errs, ValidationError{Field: "MINIO_ACCESS_KEY", Message: "access and secret keys are required when MINIO_ENDPOINT is set"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
