package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/mq"
)

const jobColumns = `id, kind, state, payload::text, attempts, max_attempts, backoff_delay_ms,
    COALESCE(last_error, ''), locked_until, created_at, updated_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var backoffMs int64
	err := row.Scan(
		&j.ID, &j.Kind, &j.State, &j.Payload, &j.Attempts, &j.MaxAttempts, &backoffMs,
		&j.LastError, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.BackoffDelay = time.Duration(backoffMs) * time.Millisecond
	return j, nil
}

// CreateJobAndOutboxMessage inserts the job and a corresponding outbox message in a single transaction.
func (c *Client) CreateJobAndOutboxMessage(ctx context.Context, nj job.NewJob) (string, error) {
	opts := nj.Options.Normalize()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var jobID string
	insertJob := `INSERT INTO jobs (kind, payload, max_attempts, backoff_delay_ms)
        VALUES ($1, $2::text::jsonb, $3, $4) RETURNING id`
	if err := tx.QueryRow(ctx, insertJob, nj.Kind, nj.Payload, opts.MaxAttempts, opts.Backoff.Delay.Milliseconds()).Scan(&jobID); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	if err := insertOutbox(ctx, tx, jobID, nj.Kind); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return jobID, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, jobID string, kind job.Kind) error {
	insert := `INSERT INTO job_outbox (job_id, exchange, routing_key, payload) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insert, jobID, mq.JobsExchange, string(kind), jobID); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(c.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// ClaimJob atomically takes ownership of a waiting job, or of an active job
// whose lease has expired, and counts the attempt. Returns nil if no job was
// claimed.
func (c *Client) ClaimJob(ctx context.Context, jobID string, lease time.Duration) (*job.Job, error) {
	query := `
        UPDATE jobs
        SET state = 'active', attempts = attempts + 1,
            locked_until = NOW() + make_interval(secs => $2), updated_at = NOW()
        WHERE id = $1
          AND (state = 'waiting' OR (state = 'active' AND locked_until < NOW()))
        RETURNING ` + jobColumns
	j, err := scanJob(c.pool.QueryRow(ctx, query, jobID, lease.Seconds()))
	if err != nil {
		// No row means another worker holds it or it is terminal. Not an application error.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (c *Client) CompleteJob(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET state = 'completed', last_error = NULL, locked_until = NULL, updated_at = NOW()
        WHERE id = $1 AND state = 'active'`
	return c.transition(ctx, query, jobID)
}

// RetryJob returns an active job to waiting; the caller schedules redelivery.
func (c *Client) RetryJob(ctx context.Context, jobID string, errStr string) error {
	query := `UPDATE jobs SET state = 'waiting', last_error = $2, locked_until = NULL, updated_at = NOW()
        WHERE id = $1 AND state = 'active'`
	return c.transition(ctx, query, jobID, errStr)
}

func (c *Client) FailJob(ctx context.Context, jobID string, errStr string) error {
	query := `UPDATE jobs SET state = 'failed', last_error = $2, locked_until = NULL, updated_at = NOW()
        WHERE id = $1 AND state IN ('waiting', 'active')`
	return c.transition(ctx, query, jobID, errStr)
}

func (c *Client) transition(ctx context.Context, query string, args ...any) error {
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusTransitionDenied
	}
	return nil
}

// ListExpiredLeases returns active jobs whose worker lease ran out before now.
func (c *Client) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
        WHERE state = 'active' AND locked_until < $1
        ORDER BY locked_until
        LIMIT $2`
	rows, err := c.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RequeueExpiredJob moves a job with an expired lease back to waiting and
// schedules it through the outbox, in one transaction.
func (c *Client) RequeueExpiredJob(ctx context.Context, jobID string, reason string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var kind job.Kind
	query := `UPDATE jobs SET state = 'waiting', last_error = $2, locked_until = NULL, updated_at = NOW()
        WHERE id = $1 AND state = 'active' AND locked_until < NOW()
        RETURNING kind`
	if err := tx.QueryRow(ctx, query, jobID, reason).Scan(&kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStatusTransitionDenied
		}
		return err
	}
	if err := insertOutbox(ctx, tx, jobID, kind); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
