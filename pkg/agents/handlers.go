package agents

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"attack-pipeline/pkg/httputil"
)

type CommandRequest struct {
	AgentID     string          `json:"agentId" validate:"required"`
	CommandType string          `json:"commandType" validate:"required"`
	Payload     json.RawMessage `json:"payload"`
}

type ConnectedResponse struct {
	Agents []string `json:"agents"`
}

type Handler struct {
	registry *Registry
	hub      *Hub
	logger   *slog.Logger
}

func NewHandler(registry *Registry, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, hub: hub, logger: logger}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/agents/command", h.SendCommand).Methods(http.MethodPost)
	r.HandleFunc("/agents/connected", h.ListConnected).Methods(http.MethodGet)
	if h.hub != nil {
		r.HandleFunc("/ws/agents", h.hub.ServeAgents)
		r.HandleFunc("/ws/dashboard", h.hub.ServeDashboard)
	}
}

// POST /agents/command
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.registry.Dispatch(req.AgentID, req.CommandType, req.Payload)
	switch {
	case err == nil:
		h.logger.Info("command sent", "agent_id", req.AgentID, "command_type", req.CommandType)
		httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Command sent"})
	case errors.Is(err, ErrAgentNotConnected):
		httputil.RespondError(w, http.StatusNotFound, "Agent not connected")
	case errors.Is(err, ErrRegistryClosed):
		httputil.RespondError(w, http.StatusServiceUnavailable, "agent registry unavailable")
	default:
		httputil.RespondInternal(w, h.logger, "failed to send command", err)
	}
}

// GET /agents/connected
func (h *Handler) ListConnected(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, ConnectedResponse{Agents: h.registry.Connected()})
}
