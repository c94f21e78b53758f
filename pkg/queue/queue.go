// Package queue is the durable job queue: jobs are persisted in Postgres,
// published through the outbox and delivered over RabbitMQ. Delivery is
// at-least-once; a Postgres claim keeps a job on one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/observability"
)

// Store is the persistent side of the queue.
type Store interface {
	CreateJobAndOutboxMessage(ctx context.Context, nj job.NewJob) (string, error)
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ClaimJob(ctx context.Context, jobID string, lease time.Duration) (*job.Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string, errStr string) error
	FailJob(ctx context.Context, jobID string, errStr string) error
}

// Broker moves job ids between workers.
type Broker interface {
	ConsumeJobs(kind job.Kind, prefetch int) (<-chan amqp.Delivery, error)
	PublishToRetry(ctx context.Context, kind job.Kind, jobID string, delay time.Duration) error
}

// Handler processes a claimed job. A non-nil error counts as a failed attempt.
type Handler func(ctx context.Context, j *job.Job) error

// Listener observes job lifecycle transitions. Calls are made from worker
// goroutines and must not block.
type Listener interface {
	JobCompleted(j *job.Job)
	JobRetrying(j *job.Job, err error, delay time.Duration)
	JobFailed(j *job.Job, err error)
}

type Queue struct {
	store     Store
	broker    Broker
	lease     time.Duration
	logger    *slog.Logger
	listeners []Listener
}

type Option func(*Queue)

// WithLease sets how long a claim is held before the reconciler may take the
// job back. It must exceed the longest handler run.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithListener(l Listener) Option {
	return func(q *Queue) { q.listeners = append(q.listeners, l) }
}

const defaultLease = 10 * time.Minute

func New(store Store, broker Broker, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		broker: broker,
		lease:  defaultLease,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a waiting job and returns its handle. The job reaches a
// worker once the outbox relay has published it.
func (q *Queue) Enqueue(ctx context.Context, kind job.Kind, payload any, opts job.Options) (job.Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return job.Handle{}, fmt.Errorf("encode payload: %w", err)
	}
	id, err := q.store.CreateJobAndOutboxMessage(ctx, job.NewJob{
		Kind:    kind,
		Payload: string(body),
		Options: opts.Normalize(),
	})
	if err != nil {
		return job.Handle{}, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	observability.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	return job.Handle{ID: id}, nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Run consumes the kind's work queue with concurrency goroutines until ctx is
// cancelled or the delivery channel closes. In-flight jobs finish before Run
// returns.
func (q *Queue) Run(ctx context.Context, kind job.Kind, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	deliveries, err := q.broker.ConsumeJobs(kind, concurrency)
	if err != nil {
		return fmt.Errorf("consume %s jobs: %w", kind, err)
	}

	q.logger.Info("worker started", "kind", kind, "concurrency", concurrency)

	// Handlers are not interrupted by shutdown; the sandbox timeout bounds them.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.HandleDelivery(workCtx, d, h)
				}
			}
		}()
	}

	wg.Wait()
	q.logger.Info("worker shutting down", "kind", kind)
	return nil
}

// HandleDelivery claims, runs and settles one delivery. Every path acks, nacks
// or rejects the delivery exactly once.
func (q *Queue) HandleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	jobID := string(d.Body)
	l := q.logger.With("job_id", jobID)

	if jobID == "" {
		l.Warn("rejecting delivery without job id")
		d.Reject(false) // dead-lettered
		return
	}

	claimed, err := q.store.ClaimJob(ctx, jobID, q.lease)
	if err != nil {
		l.Error("failed to claim job", "error", err)
		d.Nack(false, true) // requeue on transient DB error
		return
	}
	if claimed == nil {
		l.Info("job already claimed or finished, dropping duplicate delivery")
		observability.JobsProcessed.WithLabelValues("unknown", "duplicate").Inc()
		d.Ack(false)
		return
	}

	kind := string(claimed.Kind)
	l = l.With("kind", kind, "attempt", claimed.Attempts)
	l.Info("job claimed, starting processing")

	start := time.Now()
	runErr := h(ctx, claimed)
	observability.JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if runErr == nil {
		q.complete(ctx, l, claimed, d)
		return
	}
	l.Error("job processing failed", "error", runErr)

	if claimed.CanRetry() {
		q.retry(ctx, l, claimed, runErr, d)
		return
	}
	q.fail(ctx, l, claimed, runErr, d)
}

func (q *Queue) complete(ctx context.Context, l *slog.Logger, j *job.Job, d amqp.Delivery) {
	if err := q.store.CompleteJob(ctx, j.ID); err != nil {
		if errors.Is(err, database.ErrStatusTransitionDenied) {
			// The lease ran out and the job was taken back; its new owner settles it.
			l.Warn("job no longer held by this worker, completion dropped")
			d.Ack(false)
			return
		}
		l.Error("failed to mark job completed", "error", err)
		d.Nack(false, true)
		return
	}
	j.State = job.StateCompleted
	l.Info("job completed successfully")
	observability.JobsProcessed.WithLabelValues(string(j.Kind), "completed").Inc()
	for _, ln := range q.listeners {
		ln.JobCompleted(j)
	}
	d.Ack(false)
}

func (q *Queue) retry(ctx context.Context, l *slog.Logger, j *job.Job, runErr error, d amqp.Delivery) {
	delay := j.Backoff().Wait(j.Attempts)
	if err := q.store.RetryJob(ctx, j.ID, runErr.Error()); err != nil {
		if errors.Is(err, database.ErrStatusTransitionDenied) {
			l.Warn("job no longer held by this worker, retry dropped")
			d.Ack(false)
			return
		}
		l.Error("failed to mark job for retry", "error", err)
		d.Nack(false, true)
		return
	}
	if err := q.broker.PublishToRetry(ctx, j.Kind, j.ID, delay); err != nil {
		// The job is waiting again; requeueing the delivery redelivers it without delay.
		l.Error("failed to schedule retry, requeueing delivery", "error", err)
		d.Nack(false, true)
		return
	}
	j.State = job.StateWaiting
	j.LastError = runErr.Error()
	l.Info("retrying job", "next_attempt", j.Attempts+1, "delay", delay)
	observability.JobsProcessed.WithLabelValues(string(j.Kind), "retried").Inc()
	for _, ln := range q.listeners {
		ln.JobRetrying(j, runErr, delay)
	}
	d.Ack(false)
}

func (q *Queue) fail(ctx context.Context, l *slog.Logger, j *job.Job, runErr error, d amqp.Delivery) {
	if err := q.store.FailJob(ctx, j.ID, runErr.Error()); err != nil {
		if errors.Is(err, database.ErrStatusTransitionDenied) {
			l.Warn("job no longer held by this worker, failure dropped")
			d.Ack(false)
			return
		}
		l.Error("failed to mark job failed", "error", err)
		d.Nack(false, true)
		return
	}
	j.State = job.StateFailed
	j.LastError = runErr.Error()
	l.Warn("job failed after all attempts")
	observability.JobsProcessed.WithLabelValues(string(j.Kind), "failed").Inc()
	for _, ln := range q.listeners {
		ln.JobFailed(j, runErr)
	}
	d.Ack(false)
}
