package mq

import (
	"context"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"attack-pipeline/pkg/job"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	retryDelays []time.Duration
}

const (
	JobsExchange    = "jobs.exchange"
	DLXExchange     = "jobs.dlx"
	RetryExchange   = "jobs.retry.exchange"
	DeadLetterQueue = "jobs.dead_letter.queue"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// QueueName is the work queue consumed for a job kind.
func QueueName(kind job.Kind) string {
	return fmt.Sprintf("jobs.queue.%s", kind)
}

func retryRoutingKey(kind job.Kind, delay time.Duration) string {
	return fmt.Sprintf("retry.%s.%dms", kind, delay.Milliseconds())
}

func retryQueueName(kind job.Kind, delay time.Duration) string {
	return fmt.Sprintf("jobs.retry.queue.%s.%dms", kind, delay.Milliseconds())
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
// retryDelays are the distinct backoff delays jobs may be scheduled with; one
// TTL queue per (kind, delay) dead-letters back to the kind's work queue.
func (c *Client) SetupTopology(retryDelays []time.Duration) error {
	if err := c.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	c.retryDelays = normalizeDelays(retryDelays)

	for _, kind := range job.Kinds {
		queueName := QueueName(kind)
		_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange, // rejected deliveries are parked for inspection
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, string(kind), JobsExchange, false, nil); err != nil {
			return err
		}

		for _, delay := range c.retryDelays {
			retryQueue := retryQueueName(kind, delay)
			_, err := c.ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    JobsExchange,
				"x-dead-letter-routing-key": string(kind),
				"x-message-ttl":             delay.Milliseconds(),
			})
			if err != nil {
				return err
			}
			if err := c.ch.QueueBind(retryQueue, retryRoutingKey(kind, delay), RetryExchange, false, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

func normalizeDelays(delays []time.Duration) []time.Duration {
	seen := make(map[time.Duration]bool, len(delays))
	out := make([]time.Duration, 0, len(delays))
	for _, d := range delays {
		if d <= 0 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// pickRetryDelay returns the shortest declared delay not below want, or the
// longest declared one when want exceeds them all.
func pickRetryDelay(declared []time.Duration, want time.Duration) (time.Duration, bool) {
	if len(declared) == 0 {
		return 0, false
	}
	for _, d := range declared {
		if d >= want {
			return d, true
		}
	}
	return declared[len(declared)-1], true
}

// Publish sends a job id to the exchange under routingKey.
func (c *Client) Publish(ctx context.Context, exchange, routingKey, body string) error {
	return c.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(body),
		})
}

// PublishJob publishes a job id to its kind's work queue.
func (c *Client) PublishJob(ctx context.Context, kind job.Kind, jobID string) error {
	return c.Publish(ctx, JobsExchange, string(kind), jobID)
}

// PublishToRetry parks the job id in a TTL queue; RabbitMQ routes it back to
// the work queue once the delay has passed.
func (c *Client) PublishToRetry(ctx context.Context, kind job.Kind, jobID string, delay time.Duration) error {
	d, ok := pickRetryDelay(c.retryDelays, delay)
	if !ok {
		// No retry queues declared, redeliver immediately.
		return c.PublishJob(ctx, kind, jobID)
	}
	return c.Publish(ctx, RetryExchange, retryRoutingKey(kind, d), jobID)
}

// ConsumeJobs starts a manual-ack consumer on the kind's work queue. prefetch
// bounds unacknowledged deliveries held by this consumer.
func (c *Client) ConsumeJobs(kind job.Kind, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return c.ch.Consume(
		QueueName(kind),
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// NotifyClose reports connection loss so long-running consumers can exit.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
