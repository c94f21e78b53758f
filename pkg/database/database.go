package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusTransitionDenied is returned when an update would move a job out
	// of a terminal state or out of a state it is no longer in.
	ErrStatusTransitionDenied = errors.New("status transition denied")
)

type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// PingContext reports database reachability for health checks.
func (c *Client) PingContext(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// schemaLockKey serialises InitSchema across the binaries sharing a database.
const schemaLockKey int64 = 0x61747461636b

// InitSchema creates missing tables. Concurrent callers wait on a
// transaction-scoped advisory lock so the DDL never races.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        kind TEXT NOT NULL,
        state TEXT NOT NULL DEFAULT 'waiting'
            CHECK (state IN ('waiting', 'active', 'completed', 'failed')),
        payload JSONB NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        max_attempts INTEGER NOT NULL DEFAULT 3,
        backoff_delay_ms BIGINT NOT NULL DEFAULT 1000,
        last_error TEXT,
        locked_until TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_state_lease ON jobs (state, locked_until);

    -- Outbox table for transactional outbox pattern
    CREATE TABLE IF NOT EXISTS job_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
        exchange TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS simulations (
        id TEXT PRIMARY KEY,
        status TEXT NOT NULL DEFAULT 'pending',
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    -- Latest state per logical job; writes overwrite.
    CREATE TABLE IF NOT EXISTS attack_logs (
        simulation_id TEXT NOT NULL,
        agent_id TEXT NOT NULL,
        script_id TEXT NOT NULL,
        job_id TEXT NOT NULL DEFAULT '',
        target TEXT NOT NULL DEFAULT '',
        outcome TEXT NOT NULL CHECK (outcome IN ('success', 'failed', 'running', 'error')),
        details TEXT NOT NULL DEFAULT '',
        stdout TEXT NOT NULL DEFAULT '',
        stderr TEXT NOT NULL DEFAULT '',
        artifact_key TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (simulation_id, agent_id, script_id)
    );

    -- History, one row per distinct job-scoped event.
    CREATE TABLE IF NOT EXISTS attack_log_events (
        id BIGSERIAL PRIMARY KEY,
        simulation_id TEXT NOT NULL,
        agent_id TEXT NOT NULL,
        script_id TEXT NOT NULL,
        job_id TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        outcome TEXT NOT NULL,
        details TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (simulation_id, agent_id, script_id, job_id, status)
    );

    CREATE TABLE IF NOT EXISTS email_template_stats (
        template_id TEXT PRIMARY KEY,
        click_count BIGINT NOT NULL DEFAULT 0,
        success_count BIGINT NOT NULL DEFAULT 0,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS email_engagement_events (
        template_id TEXT NOT NULL,
        job_id TEXT NOT NULL,
        event_type TEXT NOT NULL CHECK (event_type IN ('click', 'success')),
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (template_id, job_id, event_type)
    );
    `
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return tx.Commit(ctx)
}
