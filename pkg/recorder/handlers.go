package recorder

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"attack-pipeline/pkg/attacklog"
	"attack-pipeline/pkg/httputil"
	"attack-pipeline/pkg/webhook"
)

type UpdateAttackLogRequest struct {
	SimulationID string `json:"simulationId" validate:"required"`
	AgentID      string `json:"agentId" validate:"required"`
	ScriptID     string `json:"scriptId" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=completed failed running error"`
	JobID        string `json:"jobId"`
	Target       string `json:"target"`
	Details      string `json:"details"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	Error        string `json:"error"`
	ArtifactKey  string `json:"artifactKey"`
}

func (r UpdateAttackLogRequest) Update() attacklog.Update {
	return attacklog.Update{
		SimulationID: r.SimulationID,
		AgentID:      r.AgentID,
		ScriptID:     r.ScriptID,
		JobID:        r.JobID,
		Status:       attacklog.Status(r.Status),
		Target:       r.Target,
		Details:      r.Details,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		Error:        r.Error,
		ArtifactKey:  r.ArtifactKey,
	}
}

type UpdateAttackLogResponse struct {
	Message string            `json:"message"`
	Record  *attacklog.Record `json:"record,omitempty"`
}

type EngagementRequest struct {
	JobID     string `json:"jobId"`
	EventType string `json:"eventType" validate:"required,oneof=click success"`
}

type EngagementResponse struct {
	Recorded        bool `json:"recorded"`
	AlreadyRecorded bool `json:"alreadyRecorded,omitempty"`
	Idempotent      bool `json:"idempotent"`
}

type Handler struct {
	svc    *Service
	secret string
	logger *slog.Logger
}

// NewHandler serves the recorder endpoints. With a non-empty secret, result
// webhooks must carry a valid signature.
func NewHandler(svc *Service, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, secret: secret, logger: logger}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc(webhook.UpdateAttackLogPath, h.UpdateAttackLog).Methods(http.MethodPost)
	r.HandleFunc("/api/email-templates/{templateId}/events", h.RecordEngagement).Methods(http.MethodPost)
}

// POST /api/simulations/update-attack-log
func (h *Handler) UpdateAttackLog(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.secret != "" && !webhook.VerifySignature(h.secret, body, r.Header.Get(webhook.SignatureHeader)) {
		httputil.RespondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req UpdateAttackLogRequest
	if err := httputil.UnmarshalAndValidate(body, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.svc.RecordAttackResult(r.Context(), req.Update())
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.RespondInternal(w, h.logger, "failed to update attack log", err)
		return
	}
	h.logger.Info("attack log updated",
		"simulation_id", req.SimulationID, "agent_id", req.AgentID, "script_id", req.ScriptID,
		"job_id", req.JobID, "status", req.Status)
	httputil.RespondWithJSON(w, http.StatusOK, UpdateAttackLogResponse{Message: "Attack log updated", Record: rec})
}

// POST /api/email-templates/{templateId}/events
func (h *Handler) RecordEngagement(w http.ResponseWriter, r *http.Request) {
	var req EngagementRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.RecordEngagement(r.Context(), attacklog.Engagement{
		TemplateID: mux.Vars(r)["templateId"],
		JobID:      req.JobID,
		EventType:  attacklog.EventType(req.EventType),
	})
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.RespondInternal(w, h.logger, "failed to record engagement", err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, EngagementResponse{
		Recorded:        res.Recorded,
		AlreadyRecorded: res.AlreadyRecorded,
		Idempotent:      res.Idempotent,
	})
}
