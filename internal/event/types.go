package event

import "time"

// Status is the lifecycle marker carried by an activity event.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelegated Status = "delegated"
	StatusReceived  Status = "received"
)

// Statuses returns every recognised status.
func Statuses() []Status {
	return []Status{
		StatusCreated, StatusRunning, StatusWaiting, StatusCompleted,
		StatusFailed, StatusDelegated, StatusReceived,
	}
}

// IsValid returns true if this is a recognized status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusWaiting, StatusCompleted,
		StatusFailed, StatusDelegated, StatusReceived:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that end an agent's piece of work.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is one entry of the activity log. Events are immutable once emitted.
type Event struct {
	ID         int64     `json:"eventId"`
	Timestamp  time.Time `json:"timestamp"`
	PipelineID string    `json:"pipelineId,omitempty"`
	AgentID    string    `json:"agentId"`
	AgentName  string    `json:"agentName"`
	Mode       string    `json:"mode"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	Data       any       `json:"data,omitempty"`
}

// EmitOptions carries the optional parts of an event. Empty fields are
// filled from the emitting agent's session.
type EmitOptions struct {
	PipelineID string
	Mode       string
	AgentName  string
	Data       any
}
