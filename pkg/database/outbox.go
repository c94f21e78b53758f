package database

import (
	"context"
	"time"
)

// OutboxMessage represents a row in the job_outbox table.
type OutboxMessage struct {
	ID         string
	JobID      string
	Exchange   string
	RoutingKey string
	Payload    string
	CreatedAt  time.Time
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (c *Client) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	query := `SELECT id, job_id, exchange, routing_key, payload, created_at FROM job_outbox ORDER BY created_at LIMIT $1`
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.JobID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (c *Client) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM job_outbox WHERE id = $1`, id)
	return err
}
