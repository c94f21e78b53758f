// Package notify fans live events out to dashboard observers. With Redis
// configured every backend instance receives every event; otherwise events
// stay in-process.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	EventAgentStatusUpdate    = "agentStatusUpdate"
	EventSimulationUpdate     = "simulationUpdate"
	EventAgentTelemetryUpdate = "agentTelemetryUpdate"
)

// Event is the wire envelope shared with websocket clients.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

type AgentStatus struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

type SimulationUpdate struct {
	SimulationID string `json:"simulationId"`
	Status       string `json:"status"`
	AgentID      string `json:"agentId"`
	ScriptID     string `json:"scriptId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
}

// Sink delivers an event to locally connected observers.
type Sink interface {
	Broadcast(ev Event)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit builds and publishes an event.
func Emit(ctx context.Context, p Publisher, name string, data any) error {
	ev, err := NewEvent(name, data)
	if err != nil {
		return err
	}
	return p.Publish(ctx, ev)
}

// LocalBus hands events straight to the local sink.
type LocalBus struct {
	sink Sink
}

func NewLocalBus(sink Sink) *LocalBus {
	return &LocalBus{sink: sink}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.sink.Broadcast(ev)
	return nil
}

const DefaultChannel = "attack-pipeline:events"

// RedisBus publishes to a Redis channel; Run relays the channel to the local
// sink, including this instance's own events.
type RedisBus struct {
	client  *redis.Client
	channel string
	sink    Sink
	logger  *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, sink Sink, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, sink: sink, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("relaying live events from redis", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decode(msg.Payload)
			if err != nil {
				b.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			b.sink.Broadcast(ev)
		}
	}
}

func decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("event without name")
	}
	return ev, nil
}
