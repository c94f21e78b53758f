package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"attack-pipeline/pkg/attacklog"
)

// UpsertAttackLog writes the latest state for (simulation, agent, script),
// appends a history row for the job-scoped event and, for terminal updates,
// moves the simulation status. All in one transaction.
func (c *Client) UpsertAttackLog(ctx context.Context, u attacklog.Update) (*attacklog.Record, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	outcome := u.Status.Outcome()
	details := u.DetailsText()

	rec := &attacklog.Record{}
	upsert := `
        INSERT INTO attack_logs (simulation_id, agent_id, script_id, job_id, target, outcome,
            details, stdout, stderr, artifact_key)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (simulation_id, agent_id, script_id) DO UPDATE SET
            job_id = EXCLUDED.job_id,
            target = CASE WHEN EXCLUDED.target = '' THEN attack_logs.target ELSE EXCLUDED.target END,
            outcome = EXCLUDED.outcome,
            details = EXCLUDED.details,
            stdout = EXCLUDED.stdout,
            stderr = EXCLUDED.stderr,
            artifact_key = EXCLUDED.artifact_key,
            updated_at = NOW()
        RETURNING simulation_id, agent_id, script_id, job_id, target, outcome,
            details, stdout, stderr, artifact_key, updated_at`
	err = tx.QueryRow(ctx, upsert,
		u.SimulationID, u.AgentID, u.ScriptID, u.JobID, u.Target, string(outcome),
		details, u.Stdout, u.Stderr, u.ArtifactKey,
	).Scan(
		&rec.SimulationID, &rec.AgentID, &rec.ScriptID, &rec.JobID, &rec.Target, &rec.Outcome,
		&rec.Details, &rec.Stdout, &rec.Stderr, &rec.ArtifactKey, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert attack log: %w", err)
	}

	// Redelivered webhooks for the same job and status do not add history.
	history := `
        INSERT INTO attack_log_events (simulation_id, agent_id, script_id, job_id, status, outcome, details)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (simulation_id, agent_id, script_id, job_id, status) DO NOTHING`
	if _, err := tx.Exec(ctx, history, u.SimulationID, u.AgentID, u.ScriptID, u.JobID,
		string(u.Status), string(outcome), details); err != nil {
		return nil, fmt.Errorf("insert attack log event: %w", err)
	}

	if status, ok := u.SimulationStatus(); ok {
		sim := `
            INSERT INTO simulations (id, status) VALUES ($1, $2)
            ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`
		if _, err := tx.Exec(ctx, sim, u.SimulationID, status); err != nil {
			return nil, fmt.Errorf("update simulation status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordEngagement increments the template counter for the event type. With a
// job id the increment happens at most once per (template, job, event type):
// the dedup row and the counter move together or not at all.
func (c *Client) RecordEngagement(ctx context.Context, e attacklog.Engagement) (attacklog.EngagementResult, error) {
	column, err := counterColumn(e.EventType)
	if err != nil {
		return attacklog.EngagementResult{}, err
	}
	increment := `
        INSERT INTO email_template_stats (template_id, ` + column + `) VALUES ($1, 1)
        ON CONFLICT (template_id) DO UPDATE SET
            ` + column + ` = email_template_stats.` + column + ` + 1, updated_at = NOW()`

	if e.JobID == "" {
		if _, err := c.pool.Exec(ctx, increment, e.TemplateID); err != nil {
			return attacklog.EngagementResult{}, err
		}
		return attacklog.EngagementResult{Recorded: true}, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return attacklog.EngagementResult{}, err
	}
	defer tx.Rollback(ctx)

	var inserted string
	dedup := `
        INSERT INTO email_engagement_events (template_id, job_id, event_type) VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING
        RETURNING template_id`
	err = tx.QueryRow(ctx, dedup, e.TemplateID, e.JobID, string(e.EventType)).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return attacklog.EngagementResult{AlreadyRecorded: true, Idempotent: true}, nil
	}
	if err != nil {
		return attacklog.EngagementResult{}, fmt.Errorf("insert engagement event: %w", err)
	}

	if _, err := tx.Exec(ctx, increment, e.TemplateID); err != nil {
		return attacklog.EngagementResult{}, fmt.Errorf("increment engagement counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return attacklog.EngagementResult{}, err
	}
	return attacklog.EngagementResult{Recorded: true, Idempotent: true}, nil
}

func counterColumn(t attacklog.EventType) (string, error) {
	switch t {
	case attacklog.EventClick:
		return "click_count", nil
	case attacklog.EventSuccess:
		return "success_count", nil
	default:
		return "", fmt.Errorf("unknown engagement event type %q", t)
	}
}
