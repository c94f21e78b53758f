// Package executor turns a claimed attack_script job into a sandbox run and
// reports the outcome to the attack-log webhook.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attack-pipeline/pkg/artifacts"
	"attack-pipeline/pkg/attacklog"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/sandbox"
	"attack-pipeline/pkg/webhook"
)

type ScriptRunner interface {
	Run(ctx context.Context, scriptID string, params map[string]string) (sandbox.Result, error)
}

type Notifier interface {
	Send(ctx context.Context, res webhook.AttackResult) error
}

type ArtifactStore interface {
	Put(ctx context.Context, out artifacts.Output) (string, error)
}

type Executor struct {
	runner    ScriptRunner
	notifier  Notifier
	artifacts ArtifactStore
	logger    *slog.Logger
}

type Option func(*Executor)

// WithArtifacts archives the output of successful runs.
func WithArtifacts(s ArtifactStore) Option {
	return func(e *Executor) { e.artifacts = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func New(runner ScriptRunner, notifier Notifier, opts ...Option) *Executor {
	e := &Executor{runner: runner, notifier: notifier, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle runs one attempt of the job. The returned error is the execution
// error, so the queue decides between retry and terminal failure. Attempts
// that will be retried are reported with status "error", the last one with
// "failed". A completion notification that cannot be delivered is counted as
// lost; the job still completes.
func (e *Executor) Handle(ctx context.Context, j *job.Job) error {
	p, err := j.DecodePayload()
	if err != nil {
		return err
	}
	l := e.logger.With("job_id", j.ID, "script_id", p.ScriptID, "simulation_id", p.SimulationID, "attempt", j.Attempts)

	res, runErr := e.runner.Run(ctx, p.ScriptID, p.Params)
	if runErr != nil {
		report := FailedResult(j, p, runErr.Error())
		if j.CanRetry() {
			// Only the last attempt reports a terminal failure.
			report.Status = string(attacklog.StatusError)
		}
		var execErr *sandbox.ExecError
		if errors.As(runErr, &execErr) {
			report.Stderr = webhook.Excerpt(execErr.Stderr)
		}
		if err := e.notifier.Send(ctx, report); err != nil {
			l.Error("failed to deliver failure webhook", "status", report.Status, "error", err)
		}
		return fmt.Errorf("run script %s: %w", p.ScriptID, runErr)
	}

	report := webhook.AttackResult{
		SimulationID: p.SimulationID,
		AgentID:      p.ReportedAgentID(),
		ScriptID:     p.ScriptID,
		JobID:        j.ID,
		Status:       string(attacklog.StatusCompleted),
		Stdout:       webhook.Excerpt(res.Stdout),
		Stderr:       webhook.Excerpt(res.Stderr),
	}
	if e.artifacts != nil {
		key, err := e.artifacts.Put(ctx, artifacts.Output{
			SimulationID: p.SimulationID,
			JobID:        j.ID,
			ScriptID:     p.ScriptID,
			Attempt:      j.Attempts,
			Stdout:       res.Stdout,
			Stderr:       res.Stderr,
			Duration:     res.Duration,
			FinishedAt:   time.Now().UTC(),
		})
		if err != nil {
			l.Warn("failed to archive script output", "error", err)
		} else {
			report.ArtifactKey = key
		}
	}

	if err := e.notifier.Send(ctx, report); err != nil {
		l.Warn("completion webhook lost", "error", err)
		observability.LostNotifications.Inc()
		return nil
	}
	l.Info("script completed and reported")
	return nil
}

// FailedResult is the failure report for a job attempt.
func FailedResult(j *job.Job, p job.ExecutePayload, msg string) webhook.AttackResult {
	return webhook.AttackResult{
		SimulationID: p.SimulationID,
		AgentID:      p.ReportedAgentID(),
		ScriptID:     p.ScriptID,
		JobID:        j.ID,
		Status:       string(attacklog.StatusFailed),
		Error:        webhook.Excerpt(msg),
	}
}
