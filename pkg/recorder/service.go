// Package recorder is the system of record for attack outcomes: it upserts
// attack logs reported by workers and agents, records email engagement
// events, and announces simulation changes to live observers.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"attack-pipeline/pkg/attacklog"
	"attack-pipeline/pkg/notify"
	"attack-pipeline/pkg/observability"
)

// ErrInvalid marks input rejected before any write.
var ErrInvalid = errors.New("invalid attack log update")

type Store interface {
	UpsertAttackLog(ctx context.Context, u attacklog.Update) (*attacklog.Record, error)
	RecordEngagement(ctx context.Context, e attacklog.Engagement) (attacklog.EngagementResult, error)
}

type Service struct {
	store     Store
	publisher notify.Publisher
	logger    *slog.Logger
}

func NewService(store Store, publisher notify.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, publisher: publisher, logger: logger}
}

func validateUpdate(u attacklog.Update) error {
	switch {
	case u.SimulationID == "":
		return fmt.Errorf("%w: simulationId is required", ErrInvalid)
	case u.AgentID == "":
		return fmt.Errorf("%w: agentId is required", ErrInvalid)
	case u.ScriptID == "":
		return fmt.Errorf("%w: scriptId is required", ErrInvalid)
	}
	switch u.Status {
	case attacklog.StatusCompleted, attacklog.StatusFailed, attacklog.StatusRunning, attacklog.StatusError:
		return nil
	}
	return fmt.Errorf("%w: unknown status %q", ErrInvalid, u.Status)
}

// RecordAttackResult stores the latest state of the (simulation, agent,
// script) job. Repeating an identical update leaves the stored record as it
// was, apart from its timestamp.
func (s *Service) RecordAttackResult(ctx context.Context, u attacklog.Update) (*attacklog.Record, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}
	rec, err := s.store.UpsertAttackLog(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("record attack result: %w", err)
	}
	observability.AttackLogUpdates.WithLabelValues(string(u.Status)).Inc()

	status := string(u.Status)
	if sim, ok := u.SimulationStatus(); ok {
		status = sim
	}
	// Best-effort once the write has committed.
	if err := notify.Emit(ctx, s.publisher, notify.EventSimulationUpdate, notify.SimulationUpdate{
		SimulationID: u.SimulationID,
		Status:       status,
		AgentID:      u.AgentID,
		ScriptID:     u.ScriptID,
		JobID:        u.JobID,
	}); err != nil {
		s.logger.Warn("failed to publish simulation update", "simulation_id", u.SimulationID, "error", err)
	}
	return rec, nil
}

// RecordEngagement increments the template counter, at most once per
// (template, job, event type) when a job id is given. Without a job id the
// increment is best-effort and duplicates are counted.
func (s *Service) RecordEngagement(ctx context.Context, e attacklog.Engagement) (attacklog.EngagementResult, error) {
	if e.TemplateID == "" {
		return attacklog.EngagementResult{}, fmt.Errorf("%w: templateId is required", ErrInvalid)
	}
	if e.EventType != attacklog.EventClick && e.EventType != attacklog.EventSuccess {
		return attacklog.EngagementResult{}, fmt.Errorf("%w: unknown event type %q", ErrInvalid, e.EventType)
	}
	res, err := s.store.RecordEngagement(ctx, e)
	if err != nil {
		return attacklog.EngagementResult{}, fmt.Errorf("record engagement: %w", err)
	}

	result := "recorded"
	switch {
	case res.AlreadyRecorded:
		result = "duplicate"
	case !res.Idempotent:
		result = "best_effort"
	}
	observability.EngagementEvents.WithLabelValues(string(e.EventType), result).Inc()
	return res, nil
}
