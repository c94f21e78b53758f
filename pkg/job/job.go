package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string
type State string

const (
	KindAttackScript Kind = "attack_script"
)

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ServerAgentID is reported for jobs submitted without an agent.
const ServerAgentID = "server"

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 1000 * time.Millisecond
)

// Kinds lists every kind the queue topology declares.
var Kinds = []Kind{KindAttackScript}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Job struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	State        State         `json:"state"`
	Payload      string        `json:"payload"` // JSONB in DB
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	BackoffDelay time.Duration `json:"backoff_delay"`
	LastError    string        `json:"last_error,omitempty"`
	LockedUntil  *time.Time    `json:"locked_until,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Backoff returns the retry policy stored with the job.
func (j *Job) Backoff() Backoff {
	return Backoff{Type: BackoffExponential, Delay: j.BackoffDelay}
}

// CanRetry reports whether another attempt is allowed after the current one.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// ExecutePayload is the body of an attack_script job.
type ExecutePayload struct {
	ScriptID     string            `json:"scriptId"`
	Params       map[string]string `json:"params"`
	SimulationID string            `json:"simulationId"`
	AgentID      string            `json:"agentId,omitempty"`
}

// ReportedAgentID is the agent id used in result notifications.
func (p ExecutePayload) ReportedAgentID() string {
	if p.AgentID == "" {
		return ServerAgentID
	}
	return p.AgentID
}

func (j *Job) DecodePayload() (ExecutePayload, error) {
	var p ExecutePayload
	if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
		return ExecutePayload{}, fmt.Errorf("decode payload for job %s: %w", j.ID, err)
	}
	return p, nil
}

// Handle is returned to callers of Enqueue.
type Handle struct {
	ID string `json:"id"`
}

type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     Backoff{Type: BackoffExponential, Delay: DefaultBackoffDelay},
	}
}

// Normalize fills zero values with defaults.
func (o Options) Normalize() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = DefaultBackoffDelay
	}
	return o
}

// NewJob is the insert form of a job; the id is assigned by the store.
type NewJob struct {
	Kind    Kind
	Payload string
	Options Options
}

// FlattenParams converts decoded JSON params into the flat string mapping the
// sandbox injects as environment variables.
func FlattenParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
