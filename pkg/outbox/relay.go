// Package outbox relays job_outbox rows to the broker. Rows are deleted only
// after a successful publish, so a crash between the two republishes the job
// id; the queue's claim step drops the duplicate.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/observability"
)

type Store interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, body string) error
}

type Relay struct {
	store     Store
	publisher Publisher
	batchSize int
	logger    *slog.Logger
}

func NewRelay(store Store, publisher Publisher, batchSize int, logger *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, publisher: publisher, batchSize: batchSize, logger: logger}
}

// Run polls the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", interval, "batch", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch publishes one batch and returns how many rows were relayed.
// A row that fails to publish stays in the outbox for the next poll.
func (r *Relay) ProcessBatch(ctx context.Context) int {
	messages, err := r.store.FetchOutboxMessages(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to fetch outbox messages", "error", err)
		return 0
	}

	published := 0
	for _, m := range messages {
		if ctx.Err() != nil {
			break
		}
		if err := r.publisher.Publish(ctx, m.Exchange, m.RoutingKey, m.Payload); err != nil {
			r.logger.Error("failed to publish job from outbox", "error", err, "job_id", m.JobID)
			observability.OutboxPublished.WithLabelValues("error").Inc()
			continue
		}
		observability.OutboxPublished.WithLabelValues("published").Inc()

		if err := r.store.DeleteOutboxMessage(ctx, m.ID); err != nil {
			r.logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		r.logger.Debug("published job from outbox", "job_id", m.JobID, "routing_key", m.RoutingKey)
		published++
	}
	return published
}
