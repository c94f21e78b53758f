package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"attack-pipeline/pkg/attacklog"
	"attack-pipeline/pkg/httputil"
	"attack-pipeline/pkg/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var (
	errSessionClosed = errors.New("session closed")
	errSlowConsumer  = errors.New("send buffer full")
)

// OutcomeRecorder stores attack outcomes reported by agents.
type OutcomeRecorder interface {
	RecordAttackResult(ctx context.Context, u attacklog.Update) (*attacklog.Record, error)
}

type registerData struct {
	AgentID string `json:"agentId" validate:"required"`
}

type outcomeData struct {
	SimulationID string `json:"simulationId" validate:"required"`
	ScriptID     string `json:"scriptId" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=completed failed running error"`
	JobID        string `json:"jobId"`
	Target       string `json:"target"`
	Details      string `json:"details"`
}

type telemetryUpdate struct {
	AgentID   string          `json:"agentId"`
	Telemetry json.RawMessage `json:"telemetry"`
	Received  time.Time       `json:"receivedAt"`
}

// session is one websocket connection. Only writePump writes to ws.
type session struct {
	id   string
	ws   *websocket.Conn
	send chan notify.Event
	done chan struct{}
	once sync.Once
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan notify.Event, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Send(ev notify.Event) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSlowConsumer
	}
}

func (s *session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()
	for {
		select {
		case ev := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(ev); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) prepareRead() {
	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Hub serves the agent and dashboard websocket endpoints and fans events out
// to dashboard observers.
type Hub struct {
	registry  *Registry
	outcomes  OutcomeRecorder
	publisher notify.Publisher
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu        sync.RWMutex
	observers map[*session]struct{}
}

// NewHub returns a hub with nothing attached. Attach must be called before
// serving; the hub is usually the sink of the bus it publishes to.
func NewHub(checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:    logger,
		observers: make(map[*session]struct{}),
	}
}

// Attach sets the registry agent sessions bind to, the publisher that
// carries telemetry to observers and the recorder for agent-reported
// outcomes. A nil recorder drops outcomes.
func (h *Hub) Attach(registry *Registry, publisher notify.Publisher, outcomes OutcomeRecorder) {
	h.registry = registry
	h.publisher = publisher
	h.outcomes = outcomes
}

// Broadcast delivers ev to every observer connected at the time of the call.
// Observers that cannot keep up miss the event.
func (h *Hub) Broadcast(ev notify.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		if err := o.Send(ev); err != nil {
			h.logger.Debug("dropping event for observer", "conn", o.id, "event", ev.Name, "error", err)
		}
	}
}

func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// GET /ws/dashboard
func (h *Hub) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard upgrade failed", "error", err)
		return
	}
	s := newSession(ws)
	h.mu.Lock()
	h.observers[s] = struct{}{}
	h.mu.Unlock()
	go s.writePump()

	defer func() {
		h.mu.Lock()
		delete(h.observers, s)
		h.mu.Unlock()
		s.Close()
	}()

	s.prepareRead()
	for {
		// Observers only listen; inbound frames are drained to keep pongs flowing.
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// GET /ws/agents. Inbound events of one session are handled in order.
func (h *Hub) ServeAgents(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent upgrade failed", "error", err)
		return
	}
	s := newSession(ws)
	go s.writePump()
	l := h.logger.With("conn", s.id)

	defer func() {
		h.registry.Disconnect(s)
		s.Close()
	}()

	s.prepareRead()
	var agentID string
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Info("agent connection lost", "agent_id", agentID, "error", err)
			}
			return
		}
		var ev notify.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			l.Warn("malformed agent event", "agent_id", agentID, "error", err)
			continue
		}
		switch ev.Name {
		case EventRegisterAgent:
			var d registerData
			if err := decodeData(ev.Data, &d); err != nil {
				l.Warn("invalid registerAgent event", "error", err)
				continue
			}
			if err := h.registry.Register(d.AgentID, s); err != nil {
				l.Error("failed to register agent", "agent_id", d.AgentID, "error", err)
				return
			}
			agentID = d.AgentID
			if ack, err := notify.NewEvent(EventRegistered, d); err == nil {
				_ = s.Send(ack)
			}
		case EventTelemetry:
			if agentID == "" {
				l.Warn("telemetry before registration")
				continue
			}
			h.relayTelemetry(r.Context(), l, agentID, ev.Data)
		case EventAttackOutcome:
			h.recordOutcome(r.Context(), l, agentID, ev.Data)
		default:
			l.Debug("ignoring unknown agent event", "event", ev.Name)
		}
	}
}

func (h *Hub) relayTelemetry(ctx context.Context, l *slog.Logger, agentID string, data json.RawMessage) {
	if h.publisher == nil {
		return
	}
	err := notify.Emit(ctx, h.publisher, notify.EventAgentTelemetryUpdate, telemetryUpdate{
		AgentID:   agentID,
		Telemetry: data,
		Received:  time.Now().UTC(),
	})
	if err != nil {
		l.Warn("failed to relay telemetry", "agent_id", agentID, "error", err)
	}
}

func (h *Hub) recordOutcome(ctx context.Context, l *slog.Logger, agentID string, data json.RawMessage) {
	if agentID == "" {
		l.Warn("attack outcome before registration")
		return
	}
	if h.outcomes == nil {
		return
	}
	var d outcomeData
	if err := decodeData(data, &d); err != nil {
		l.Warn("invalid attackOutcome event", "agent_id", agentID, "error", err)
		return
	}
	_, err := h.outcomes.RecordAttackResult(ctx, attacklog.Update{
		SimulationID: d.SimulationID,
		AgentID:      agentID,
		ScriptID:     d.ScriptID,
		JobID:        d.JobID,
		Status:       attacklog.Status(d.Status),
		Target:       d.Target,
		Details:      d.Details,
	})
	if err != nil {
		l.Error("failed to record attack outcome", "agent_id", agentID, "simulation_id", d.SimulationID, "error", err)
	}
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return httputil.UnmarshalAndValidate(raw, dst)
}
