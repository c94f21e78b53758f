// Package agents tracks which remote agents are connected to this instance
// and relays commands, telemetry and outcomes over their websocket sessions.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"attack-pipeline/pkg/notify"
	"attack-pipeline/pkg/observability"
)

var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrRegistryClosed    = errors.New("agent registry closed")
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	EventRegisterAgent = "registerAgent"
	EventRegistered    = "registered"
	EventTelemetry     = "telemetry"
	EventAttackOutcome = "attackOutcome"
	EventCommand       = "command"
)

// Conn is one live session. Send must not block.
type Conn interface {
	ID() string
	Send(ev notify.Event) error
	Close()
}

// Command is the data of a command event sent to an agent.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Registry maps agent ids to sessions. Both maps are owned by the goroutine
// running Run; every other goroutine goes through ops.
type Registry struct {
	ops     chan func()
	stopped chan struct{}
	events  chan notify.Event

	byAgent map[string]Conn
	byConn  map[string]string

	connected atomic.Pointer[[]string]

	publisher notify.Publisher
	logger    *slog.Logger
}

const eventBuffer = 256

func NewRegistry(publisher notify.Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		ops:       make(chan func()),
		stopped:   make(chan struct{}),
		events:    make(chan notify.Event, eventBuffer),
		byAgent:   make(map[string]Conn),
		byConn:    make(map[string]string),
		publisher: publisher,
		logger:    logger,
	}
	empty := []string{}
	r.connected.Store(&empty)
	return r
}

// Run serves registry operations until ctx is cancelled. Status events are
// published from a separate goroutine in the order they happened.
func (r *Registry) Run(ctx context.Context) {
	published := make(chan struct{})
	go func() {
		defer close(published)
		for ev := range r.events {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.publisher.Publish(pctx, ev); err != nil {
				r.logger.Warn("failed to publish agent event", "event", ev.Name, "error", err)
			}
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			close(r.stopped)
			for _, c := range r.byAgent {
				c.Close()
			}
			close(r.events)
			<-published
			return
		case op := <-r.ops:
			op()
		}
	}
}

// do runs fn on the registry goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(done) }:
	case <-r.stopped:
		return ErrRegistryClosed
	}
	<-done
	return nil
}

// Register binds agentID to conn. An earlier session of the same agent is
// superseded and closed.
func (r *Registry) Register(agentID string, conn Conn) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	return r.do(func() {
		if prev, ok := r.byConn[conn.ID()]; ok && prev != agentID {
			// The session re-registered under a new id.
			if bound, ok := r.byAgent[prev]; ok && bound.ID() == conn.ID() {
				delete(r.byAgent, prev)
				r.emitStatus(prev, StatusOffline)
			}
		}
		if old, ok := r.byAgent[agentID]; ok && old.ID() != conn.ID() {
			delete(r.byConn, old.ID())
			old.Close()
			r.logger.Info("agent session superseded", "agent_id", agentID, "old_conn", old.ID(), "conn", conn.ID())
		}
		r.byAgent[agentID] = conn
		r.byConn[conn.ID()] = agentID
		r.refresh()
		r.emitStatus(agentID, StatusOnline)
		r.logger.Info("agent registered", "agent_id", agentID, "conn", conn.ID())
	})
}

// Disconnect removes the session's binding. Unknown or superseded sessions
// are ignored.
func (r *Registry) Disconnect(conn Conn) {
	_ = r.do(func() {
		agentID, ok := r.byConn[conn.ID()]
		if !ok {
			return
		}
		delete(r.byConn, conn.ID())
		if bound, ok := r.byAgent[agentID]; ok && bound.ID() == conn.ID() {
			delete(r.byAgent, agentID)
			r.refresh()
			r.emitStatus(agentID, StatusOffline)
			r.logger.Info("agent disconnected", "agent_id", agentID, "conn", conn.ID())
		}
	})
}

// Dispatch sends a command event to the agent's current session.
func (r *Registry) Dispatch(agentID, commandType string, payload json.RawMessage) error {
	ev, err := notify.NewEvent(EventCommand, Command{Type: commandType, Payload: payload})
	if err != nil {
		return err
	}
	var sendErr error
	if err := r.do(func() {
		conn, ok := r.byAgent[agentID]
		if !ok {
			sendErr = ErrAgentNotConnected
			return
		}
		if err := conn.Send(ev); err != nil {
			sendErr = fmt.Errorf("send command to %s: %w", agentID, err)
		}
	}); err != nil {
		return err
	}

	result := "delivered"
	switch {
	case errors.Is(sendErr, ErrAgentNotConnected):
		result = "not_connected"
	case sendErr != nil:
		result = "send_error"
	}
	observability.CommandsDispatched.WithLabelValues(result).Inc()
	return sendErr
}

// Connected returns the sorted ids of registered agents. It never waits on
// the registry goroutine.
func (r *Registry) Connected() []string {
	snap := *r.connected.Load()
	out := make([]string, len(snap))
	copy(out, snap)
	return out
}

func (r *Registry) refresh() {
	ids := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.connected.Store(&ids)
	observability.AgentsConnected.Set(float64(len(ids)))
}

func (r *Registry) emitStatus(agentID, status string) {
	ev, err := notify.NewEvent(notify.EventAgentStatusUpdate, notify.AgentStatus{AgentID: agentID, Status: status})
	if err != nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		observability.AgentEventsDropped.Inc()
		r.logger.Warn("agent event buffer full, dropping status update", "agent_id", agentID, "status", status)
	}
}
