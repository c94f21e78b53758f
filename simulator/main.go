// Command simulator runs fake agents against the backend's agent websocket.
// Each agent registers, reports telemetry periodically and answers
// runScript commands with an attackOutcome.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"attack-pipeline/pkg/agents"
	"attack-pipeline/pkg/auth"
	"attack-pipeline/pkg/config"
	"attack-pipeline/pkg/notify"
	"attack-pipeline/pkg/observability"
)

type runScriptPayload struct {
	ScriptID     string `json:"scriptId"`
	SimulationID string `json:"simulationId"`
	JobID        string `json:"jobId"`
	Target       string `json:"target"`
}

type outcome struct {
	SimulationID string `json:"simulationId"`
	ScriptID     string `json:"scriptId"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	Target       string `json:"target,omitempty"`
	Details      string `json:"details,omitempty"`
}

type telemetry struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int     `json:"memoryMb"`
	Uptime   int64   `json:"uptimeSeconds"`
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	wsURL := os.Getenv("AGENT_WS_URL")
	if wsURL == "" {
		wsURL = "ws://backend:8080/ws/agents"
	}
	if cfg.AuthTokenSecret != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			logger.Error("invalid AGENT_WS_URL", "error", err)
			os.Exit(1)
		}
		token, err := auth.IssueToken(cfg.AuthTokenSecret, "simulator", 24*time.Hour)
		if err != nil {
			logger.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		wsURL = u.String()
	}

	count := envInt("AGENT_COUNT", 1)
	interval := time.Duration(envInt("TELEMETRY_INTERVAL_SECONDS", 10)) * time.Second
	failRate := envInt("FAILURE_PERCENT", 10)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		a := &agent{
			id:       fmt.Sprintf("sim-agent-%d", i+1),
			url:      wsURL,
			interval: interval,
			failRate: failRate,
			started:  time.Now(),
			logger:   logger.With("agent_id", fmt.Sprintf("sim-agent-%d", i+1)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runForever(ctx)
		}()
	}
	logger.Info("simulated agents started", "count", count, "url", wsURL)
	wg.Wait()
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

type agent struct {
	id       string
	url      string
	interval time.Duration
	failRate int
	started  time.Time
	logger   *slog.Logger

	writeMu sync.Mutex
}

// runForever reconnects with capped exponential backoff until ctx ends.
func (a *agent) runForever(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("session ended, reconnecting", "error", err, "in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *agent) session(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	if err := a.send(ws, agents.EventRegisterAgent, map[string]string{"agentId": a.id}); err != nil {
		return err
	}
	go a.telemetryLoop(ws, done)

	for {
		var ev notify.Event
		if err := ws.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch ev.Name {
		case agents.EventRegistered:
			a.logger.Info("registered")
		case agents.EventCommand:
			a.handleCommand(ws, ev.Data)
		}
	}
}

func (a *agent) telemetryLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t := telemetry{
				CPU:      float64(rand.Intn(1000)) / 10,
				MemoryMB: 128 + rand.Intn(512),
				Uptime:   int64(time.Since(a.started).Seconds()),
			}
			if err := a.send(ws, agents.EventTelemetry, t); err != nil {
				a.logger.Warn("failed to send telemetry", "error", err)
				return
			}
		}
	}
}

func (a *agent) handleCommand(ws *websocket.Conn, data json.RawMessage) {
	var cmd agents.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		a.logger.Warn("malformed command", "error", err)
		return
	}
	if cmd.Type != "runScript" {
		a.logger.Info("ignoring command", "type", cmd.Type)
		return
	}
	var p runScriptPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.SimulationID == "" || p.ScriptID == "" {
		a.logger.Warn("runScript command without simulationId or scriptId")
		return
	}

	res := outcome{SimulationID: p.SimulationID, ScriptID: p.ScriptID, JobID: p.JobID, Target: p.Target, Status: "completed"}
	if rand.Intn(100) < a.failRate {
		res.Status = "failed"
		res.Details = "target unreachable"
	}
	if err := a.send(ws, agents.EventAttackOutcome, res); err != nil {
		a.logger.Warn("failed to send outcome", "error", err)
		return
	}
	a.logger.Info("reported outcome", "simulation_id", p.SimulationID, "status", res.Status)
}

// send serialises writes; gorilla/websocket allows one concurrent writer.
func (a *agent) send(ws *websocket.Conn, name string, data any) error {
	ev, err := notify.NewEvent(name, data)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(ev)
}
