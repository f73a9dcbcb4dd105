package command

import (
	"fmt"
	"strings"
	"time"
)

// Mode is an approval policy.
type Mode string

const (
	// ModeAuto runs commands as soon as they are submitted.
	ModeAuto Mode = "auto"
	// ModePrompt holds commands until someone approves or denies them.
	ModePrompt Mode = "prompt"
	// ModeDeny refuses every command.
	ModeDeny Mode = "deny"
)

// Modes returns every approval mode.
func Modes() []Mode {
	return []Mode{ModeAuto, ModePrompt, ModeDeny}
}

// IsValid returns true if this is a recognized mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeAuto, ModePrompt, ModeDeny:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown approval mode %q (want auto, prompt or deny)", s)
	}
	return m, nil
}

// Status is a command's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the command will not change status again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusDenied, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request asks for a shell command to be run on behalf of an agent.
type Request struct {
	AgentID   string        `json:"agentId"`
	AgentName string        `json:"agentName,omitempty"`
	Command   string        `json:"command"`
	Reason    string        `json:"reason,omitempty"`
	Dir       string        `json:"cwd,omitempty"`
	Timeout   time.Duration `json:"-"`
}

// Entry is the record of one submitted command. It leaves the pending queue
// for the history exactly once.
type Entry struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	AgentName   string    `json:"agentName"`
	Command     string    `json:"command"`
	Reason      string    `json:"reason,omitempty"`
	Dir         string    `json:"cwd,omitempty"`
	TimeoutMS   int64     `json:"timeoutMs"`
	Status      Status    `json:"status"`
	Mode        Mode      `json:"mode"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	DenyReason  string    `json:"denyReason,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	DecidedAt   time.Time `json:"decidedAt,omitzero"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
}

// Timeout returns the entry's execution timeout.
func (e Entry) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}
