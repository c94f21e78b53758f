// Package attacklog holds the persisted outcome types written by the result
// webhook and the agent channel.
package attacklog

import "time"

type Status string
type Outcome string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeRunning Outcome = "running"
	OutcomeError   Outcome = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome maps a reported execution status to the stored outcome.
func (s Status) Outcome() Outcome {
	switch s {
	case StatusCompleted:
		return OutcomeSuccess
	case StatusFailed:
		return OutcomeFailed
	case StatusRunning:
		return OutcomeRunning
	default:
		return OutcomeError
	}
}

// Update is one reported state of the logical job (simulation, agent, script).
type Update struct {
	SimulationID string
	AgentID      string
	ScriptID     string
	JobID        string
	Status       Status
	Target       string
	Details      string
	Stdout       string
	Stderr       string
	Error        string
	ArtifactKey  string
}

// Record is the latest state stored for (simulation, agent, script).
type Record struct {
	SimulationID string    `json:"simulationId"`
	AgentID      string    `json:"agentId"`
	ScriptID     string    `json:"scriptId"`
	JobID        string    `json:"jobId,omitempty"`
	Target       string    `json:"target,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Details      string    `json:"details,omitempty"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	ArtifactKey  string    `json:"artifactKey,omitempty"`
	UpdatedAt    time.Time `json:"timestamp"`
}

// SimulationStatus returns the simulation status a terminal update implies.
func (u Update) SimulationStatus() (string, bool) {
	if !u.Status.Terminal() {
		return "", false
	}
	return string(u.Status), true
}

// DetailsText is the free-form details column: explicit details, else the
// error message.
func (u Update) DetailsText() string {
	if u.Details != "" {
		return u.Details
	}
	return u.Error
}

type EventType string

const (
	EventClick   EventType = "click"
	EventSuccess EventType = "success"
)

// Engagement is one email engagement recording. JobID is the idempotency key;
// without it the recording is best-effort and not deduplicated.
type Engagement struct {
	TemplateID string
	JobID      string
	EventType  EventType
}

// EngagementResult reports whether the counter moved.
type EngagementResult struct {
	Recorded        bool
	AlreadyRecorded bool
	Idempotent      bool
}
