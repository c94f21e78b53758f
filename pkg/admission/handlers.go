// Package admission is the HTTP front door of the pipeline: it validates
// execution requests and hands them to the job queue.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/httputil"
	"attack-pipeline/pkg/job"
)

const ServiceName = "attack-pipeline-api"

// Version is overridden at build time with -ldflags.
var Version = "dev"

type Enqueuer interface {
	Enqueue(ctx context.Context, kind job.Kind, payload any, opts job.Options) (job.Handle, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type ExecuteRequest struct {
	ScriptID     string         `json:"scriptId" validate:"required,scriptid"`
	Params       map[string]any `json:"params"`
	SimulationID string         `json:"simulationId" validate:"required"`
	AgentID      string         `json:"agentId"`
}

type ExecuteResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type JobResponse struct {
	ID          string    `json:"id"`
	Kind        job.Kind  `json:"kind"`
	State       job.State `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Handler struct {
	queue   Enqueuer
	opts    job.Options
	pinger  Pinger
	logger  *slog.Logger
	timeNow func() time.Time
}

type Option func(*Handler)

// WithJobOptions sets the retry policy stamped on every admitted job.
func WithJobOptions(o job.Options) Option {
	return func(h *Handler) { h.opts = o }
}

// WithPinger makes /health report 503 while the dependency is unreachable.
func WithPinger(p Pinger) Option {
	return func(h *Handler) { h.pinger = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(q Enqueuer, opts ...Option) *Handler {
	h := &Handler{
		queue:   q,
		opts:    job.DefaultOptions(),
		logger:  slog.Default(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/execute", h.Execute).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
}

// POST /execute
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := job.ExecutePayload{
		ScriptID:     req.ScriptID,
		Params:       job.FlattenParams(req.Params),
		SimulationID: req.SimulationID,
		AgentID:      req.AgentID,
	}
	handle, err := h.queue.Enqueue(r.Context(), job.KindAttackScript, payload, h.opts)
	if err != nil {
		httputil.RespondInternal(w, h.logger, "failed to enqueue job", err)
		return
	}

	h.logger.Info("job admitted", "job_id", handle.ID, "script_id", req.ScriptID,
		"simulation_id", req.SimulationID, "agent_id", req.AgentID)
	httputil.RespondWithJSON(w, http.StatusAccepted, ExecuteResponse{
		Message: "Script execution queued",
		JobID:   handle.ID,
	})
}

// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Timestamp: h.timeNow().UTC(),
		Version:   Version,
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.PingContext(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			resp.Status = "unhealthy"
			httputil.RespondWithJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	httputil.RespondWithJSON(w, http.StatusOK, resp)
}

// GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		httputil.RespondError(w, http.StatusNotFound, "job not found")
		return
	}

	j, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			httputil.RespondError(w, http.StatusNotFound, "job not found")
			return
		}
		httputil.RespondInternal(w, h.logger, "failed to load job", err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, JobResponse{
		ID:          j.ID,
		Kind:        j.Kind,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	})
}
