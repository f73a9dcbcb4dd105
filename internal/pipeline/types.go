package pipeline

import (
	"time"

	"github.com/eldavier/Kiro-sub000/internal/dispatch"
	"github.com/eldavier/Kiro-sub000/internal/plan"
	"github.com/eldavier/Kiro-sub000/internal/provider"
)

// Status is a pipeline's phase.
type Status string

const (
	StatusCreated     Status = "created"
	StatusAnalysing   Status = "analysing"
	StatusPlanning    Status = "planning"
	StatusDispatching Status = "dispatching"
	StatusCoding      Status = "coding"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request starts a pipeline.
type Request struct {
	Goal    string `json:"goal"`
	Context string `json:"context,omitempty"`
	// Provider defaults to the orchestrator's default provider.
	Provider provider.Kind `json:"provider,omitempty"`
}

// State is a snapshot of one pipeline.
type State struct {
	ID       string          `json:"id"`
	Goal     string          `json:"goal"`
	Context  string          `json:"context,omitempty"`
	Provider provider.Kind   `json:"provider"`
	Status   Status          `json:"status"`
	Analysis *plan.Analysis  `json:"analysis,omitempty"`
	Plan     *plan.Plan      `json:"plan,omitempty"`
	Tasks    []dispatch.Task `json:"tasks"`
	dispatch.Counts
	Warnings   []string  `json:"warnings,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Agent id helpers.
func analyserID(pipelineID string) string     { return "analyser-" + pipelineID }
func plannerID(pipelineID string) string      { return "planner-" + pipelineID }
func orchestratorID(pipelineID string) string { return "orchestrator-" + pipelineID }

// Session modes of the pipeline's own agents.
const (
	ModeAnalyser     = "analyser"
	ModePlanner      = "planner"
	ModeOrchestrator = "orchestrator"
)
