// Package plan defines the documents exchanged with the analyser, planner and
// coder agents, and parses them out of model output.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Complexity is the planner's size estimate for a task.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexitySmall   Complexity = "small"
	ComplexityMedium  Complexity = "medium"
	ComplexityLarge   Complexity = "large"
	ComplexityEpic    Complexity = "epic"
)

// Complexities returns every recognised complexity, smallest first.
func Complexities() []Complexity {
	return []Complexity{ComplexityTrivial, ComplexitySmall, ComplexityMedium, ComplexityLarge, ComplexityEpic}
}

// String returns the string representation of the complexity.
func (c Complexity) String() string {
	return string(c)
}

// IsValid returns true if this is a recognized complexity value.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexityTrivial, ComplexitySmall, ComplexityMedium, ComplexityLarge, ComplexityEpic:
		return true
	default:
		return false
	}
}

// NormalizeComplexity maps planner spellings onto the closed set. The older
// low/high scale is accepted; anything unrecognised becomes medium.
func NormalizeComplexity(s string) Complexity {
	switch c := Complexity(strings.ToLower(strings.TrimSpace(s))); c {
	case "low":
		return ComplexitySmall
	case "high":
		return ComplexityLarge
	default:
		if c.IsValid() {
			return c
		}
		return ComplexityMedium
	}
}

// TaskID identifies a task within a plan. Planners emit ids as numbers or
// strings; both decode to the same TaskID.
type TaskID string

// UnmarshalJSON accepts a JSON string or number.
func (id *TaskID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TaskID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("task id must be a string or number, got %s", b)
	}
	*id = TaskID(n.String())
	return nil
}

// String returns the id as text.
func (id TaskID) String() string {
	return string(id)
}

// Task is one unit of the plan, executed by a single coder agent.
type Task struct {
	ID                 TaskID     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Files              []string   `json:"files,omitempty"`
	DependsOn          []TaskID   `json:"depends_on"`
	Priority           int        `json:"priority"`
	Complexity         Complexity `json:"complexity"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
}

// HasDependencies returns true if this task depends on other tasks.
func (t *Task) HasDependencies() bool {
	return len(t.DependsOn) > 0
}

// Analysis is the analyser's reading of the goal.
type Analysis struct {
	Summary       string     `json:"summary"`
	Requirements  []string   `json:"requirements"`
	Constraints   []string   `json:"constraints"`
	Risks         []string   `json:"risks"`
	AffectedAreas []string   `json:"affected_areas"`
	Complexity    Complexity `json:"complexity"`
}

// Edge records that To cannot start until From has completed.
type Edge struct {
	From TaskID `json:"from"`
	To   TaskID `json:"to"`
}

// Plan is the planner's decomposition of a goal.
type Plan struct {
	Summary        string     `json:"summary"`
	Tasks          []Task     `json:"tasks"`
	Edges          []Edge     `json:"dependency_edges,omitempty"`
	ParallelGroups [][]TaskID `json:"parallel_groups"`
	// GroupsDerived is set when the planner gave no groups and they were
	// computed from the dependency graph.
	GroupsDerived bool `json:"groups_derived,omitempty"`
}

// TaskCount returns the total number of tasks in the plan.
func (p *Plan) TaskCount() int {
	return len(p.Tasks)
}

// Task returns the task with the given id.
func (p *Plan) Task(id TaskID) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Ungrouped returns, in plan order, the tasks that appear in no parallel group.
func (p *Plan) Ungrouped() []TaskID {
	grouped := make(map[TaskID]bool)
	for _, g := range p.ParallelGroups {
		for _, id := range g {
			grouped[id] = true
		}
	}
	var out []TaskID
	for _, t := range p.Tasks {
		if !grouped[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// ReportStatus is the coder's own verdict on a task.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportPartial   ReportStatus = "partial"
	ReportBlocked   ReportStatus = "blocked"
)

// IsValid returns true if this is a recognized report status.
func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportCompleted, ReportPartial, ReportBlocked:
		return true
	default:
		return false
	}
}

// CoderReport is what a coder agent returns for its task.
type CoderReport struct {
	Status       ReportStatus `json:"status"`
	Summary      string       `json:"summary"`
	FilesChanged []string     `json:"files_changed,omitempty"`
	CriteriaMet  []string     `json:"criteria_met,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	// Reason explains a blocked or partial result.
	Reason string `json:"reason,omitempty"`
}
