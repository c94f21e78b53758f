// Package reconciler recovers jobs whose worker disappeared mid-run.
//
// A job is stranded when it is still active but its lease expired: the worker
// holding it crashed or lost its broker connection. The reconciler returns
// such jobs to waiting with a fresh outbox row, or fails them terminally when
// no attempts are left. Terminal failures get exactly one failure webhook;
// the store guards make a concurrent finish by a live worker win.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/executor"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/observability"
)

const leaseExpiredReason = "worker lease expired"

type Store interface {
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	RequeueExpiredJob(ctx context.Context, jobID string, reason string) error
	FailJob(ctx context.Context, jobID string, errStr string) error
}

type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule  string
	BatchSize int
}

func DefaultConfig() Config {
	return Config{Schedule: "@every 1m", BatchSize: 100}
}

// CycleStats summarises one reconciliation pass.
type CycleStats struct {
	Requeued int
	Failed   int
	Skipped  int
	Errors   int
}

type Reconciler struct {
	config   Config
	store    Store
	notifier executor.Notifier
	logger   *slog.Logger
	clock    func() time.Time
}

func New(config Config, store Store, notifier executor.Notifier, logger *slog.Logger) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Schedule == "" {
		config.Schedule = DefaultConfig().Schedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		config:   config,
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "reconciler"),
		clock:    time.Now,
	}
}

// Run runs a cycle immediately, then on the configured schedule until ctx is
// cancelled. An in-flight cycle finishes before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.config.Schedule, func() { r.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.config.Schedule, err)
	}

	r.logger.Info("reconciler started", "schedule", r.config.Schedule, "batch", r.config.BatchSize)
	r.RunCycle(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
	return nil
}

// RunCycle handles one batch of expired leases.
func (r *Reconciler) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	if ctx.Err() != nil {
		return stats
	}

	expired, err := r.store.ListExpiredLeases(ctx, r.clock().UTC(), r.config.BatchSize)
	if err != nil {
		// Retried next cycle.
		r.logger.Error("failed to list expired leases", "error", err)
		stats.Errors++
		return stats
	}
	if len(expired) == 0 {
		return stats
	}
	r.logger.Info("found jobs with expired leases", "count", len(expired))

	for i := range expired {
		if ctx.Err() != nil {
			r.logger.Info("cycle interrupted", "processed", stats.Requeued+stats.Failed+stats.Skipped+stats.Errors, "total", len(expired))
			return stats
		}
		j := &expired[i]
		l := r.logger.With("job_id", j.ID, "attempts", j.Attempts, "max_attempts", j.MaxAttempts)

		if j.CanRetry() {
			err := r.store.RequeueExpiredJob(ctx, j.ID, leaseExpiredReason)
			switch {
			case err == nil:
				l.Warn("requeued job with expired lease")
				observability.JobsReconciled.WithLabelValues("requeued").Inc()
				stats.Requeued++
			case errors.Is(err, database.ErrStatusTransitionDenied):
				stats.Skipped++
			default:
				l.Error("failed to requeue job", "error", err)
				stats.Errors++
			}
			continue
		}

		err := r.store.FailJob(ctx, j.ID, leaseExpiredReason)
		if errors.Is(err, database.ErrStatusTransitionDenied) {
			stats.Skipped++
			continue
		}
		if err != nil {
			l.Error("failed to fail job", "error", err)
			stats.Errors++
			continue
		}
		l.Warn("failed job with expired lease and no attempts left")
		observability.JobsReconciled.WithLabelValues("failed").Inc()
		observability.JobsProcessed.WithLabelValues(string(j.Kind), "failed").Inc()
		stats.Failed++
		r.notifyFailure(ctx, l, j)
	}

	r.logger.Info("reconcile cycle complete",
		"requeued", stats.Requeued, "failed", stats.Failed, "skipped", stats.Skipped, "errors", stats.Errors)
	return stats
}

func (r *Reconciler) notifyFailure(ctx context.Context, l *slog.Logger, j *job.Job) {
	if r.notifier == nil || j.Kind != job.KindAttackScript {
		return
	}
	p, err := j.DecodePayload()
	if err != nil {
		l.Error("cannot report failure for undecodable payload", "error", err)
		return
	}
	if err := r.notifier.Send(ctx, executor.FailedResult(j, p, leaseExpiredReason)); err != nil {
		l.Error("failed to deliver failure webhook", "error", err)
	}
}
