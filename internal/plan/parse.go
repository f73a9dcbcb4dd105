package plan

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/structured"
)

// Phase names used on parse errors.
const (
	PhaseAnalysis = "analysis"
	PhasePlan     = "plan"
	PhaseCode     = "code"
)

// ParseAnalysis extracts an Analysis from analyser output.
func ParseAnalysis(output string) (*Analysis, error) {
	var a Analysis
	if err := structured.Decode(PhaseAnalysis, output, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Summary) == "" {
		return nil, errors.NewSchemaParseError(PhaseAnalysis, "analysis has no summary").WithExcerpt(output)
	}
	a.Complexity = NormalizeComplexity(string(a.Complexity))
	return &a, nil
}

// flexibleTask handles alternative field names that planners generate.
type flexibleTask struct {
	ID                 TaskID   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Files              []string `json:"files,omitempty"`
	DependsOn          []TaskID `json:"depends_on"`
	Depends            []TaskID `json:"depends"`
	Dependencies       []TaskID `json:"dependencies"`
	Priority           int      `json:"priority"`
	Complexity         string   `json:"complexity"`
	EstComplexity      string   `json:"est_complexity"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type planContent struct {
	Summary        string         `json:"summary"`
	Tasks          []flexibleTask `json:"tasks"`
	Edges          []Edge         `json:"dependency_edges"`
	ParallelGroups [][]TaskID     `json:"parallel_groups"`
}

// ParsePlan extracts a Plan from planner output. It accepts the plan at the
// root or nested under a "plan" key, folds dependency edges into each task's
// DependsOn, and derives parallel groups from the dependency graph when the
// planner gave none. Duplicate ids, empty ids and self-dependencies are parse
// errors; dependencies on unknown tasks are kept and surface at dispatch.
func ParsePlan(output string) (*Plan, error) {
	raw, ok := structured.Extract(output)
	if !ok {
		return nil, errors.NewSchemaParseError(PhasePlan, "no JSON object found in response").WithExcerpt(output)
	}

	var content planContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.NewSchemaParseError(PhasePlan, "response does not match the expected schema").
			WithExcerpt(output).
			WithCause(err)
	}
	if len(content.Tasks) == 0 {
		var wrapped struct {
			Plan planContent `json:"plan"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Plan.Tasks) > 0 {
			content = wrapped.Plan
		}
	}
	if len(content.Tasks) == 0 {
		return nil, errors.NewSchemaParseError(PhasePlan, "plan contains no tasks").WithExcerpt(output)
	}

	p := &Plan{Summary: content.Summary, Edges: content.Edges}
	index := make(map[TaskID]int, len(content.Tasks))
	for i, ft := range content.Tasks {
		if ft.ID == "" {
			return nil, errors.NewSchemaParseError(PhasePlan, fmt.Sprintf("task %d has no id", i+1)).WithExcerpt(output)
		}
		if _, dup := index[ft.ID]; dup {
			return nil, errors.NewSchemaParseError(PhasePlan, fmt.Sprintf("duplicate task id %q", ft.ID)).WithExcerpt(output)
		}
		index[ft.ID] = i

		deps := ft.DependsOn
		if len(deps) == 0 {
			deps = ft.Depends
		}
		if len(deps) == 0 {
			deps = ft.Dependencies
		}
		complexity := ft.Complexity
		if complexity == "" {
			complexity = ft.EstComplexity
		}
		p.Tasks = append(p.Tasks, Task{
			ID:                 ft.ID,
			Title:              ft.Title,
			Description:        ft.Description,
			Files:              ft.Files,
			DependsOn:          dedupe(deps),
			Priority:           ft.Priority,
			Complexity:         NormalizeComplexity(complexity),
			AcceptanceCriteria: ft.AcceptanceCriteria,
		})
	}

	for _, e := range content.Edges {
		i, ok := index[e.To]
		if !ok || e.From == "" {
			continue
		}
		if !slices.Contains(p.Tasks[i].DependsOn, e.From) {
			p.Tasks[i].DependsOn = append(p.Tasks[i].DependsOn, e.From)
		}
	}

	for _, t := range p.Tasks {
		if slices.Contains(t.DependsOn, t.ID) {
			return nil, errors.NewSchemaParseError(PhasePlan, fmt.Sprintf("task %q depends on itself", t.ID)).WithExcerpt(output)
		}
	}

	for _, g := range content.ParallelGroups {
		if g = dedupe(g); len(g) > 0 {
			p.ParallelGroups = append(p.ParallelGroups, g)
		}
	}
	if len(p.ParallelGroups) == 0 {
		p.ParallelGroups = CalculateExecutionOrder(p.Tasks)
		p.GroupsDerived = true
	}
	return p, nil
}

// CalculateExecutionOrder performs a topological sort and groups tasks that
// can run in parallel. Dependencies on unknown tasks do not hold a task back;
// tasks caught in a cycle are left out of every group.
func CalculateExecutionOrder(tasks []Task) [][]TaskID {
	known := make(map[TaskID]bool, len(tasks))
	priority := make(map[TaskID]int, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
		priority[t.ID] = t.Priority
	}

	inDegree := make(map[TaskID]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if known[dep] {
				inDegree[t.ID]++
			}
		}
	}

	var groups [][]TaskID
	placed := make(map[TaskID]bool, len(tasks))
	for len(placed) < len(tasks) {
		var current []TaskID
		for _, t := range tasks {
			if !placed[t.ID] && inDegree[t.ID] == 0 {
				current = append(current, t.ID)
			}
		}
		if len(current) == 0 {
			break
		}
		sort.SliceStable(current, func(i, j int) bool {
			return priority[current[i]] < priority[current[j]]
		})
		groups = append(groups, current)

		for _, id := range current {
			placed[id] = true
		}
		for _, t := range tasks {
			for _, dep := range t.DependsOn {
				if slices.Contains(current, dep) {
					inDegree[t.ID]--
				}
			}
		}
	}
	return groups
}

// Warnings lists problems that do not stop a plan from running but will
// leave some tasks blocked: unknown dependencies, unknown group members and
// dependency cycles.
func (p *Plan) Warnings() []string {
	var out []string
	known := make(map[TaskID]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		known[t.ID] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !known[dep] {
				out = append(out, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}
	for i, g := range p.ParallelGroups {
		for _, id := range g {
			if !known[id] {
				out = append(out, fmt.Sprintf("parallel group %d lists unknown task %s", i+1, id))
			}
		}
	}
	scheduled := 0
	for _, g := range CalculateExecutionOrder(p.Tasks) {
		scheduled += len(g)
	}
	if scheduled < len(p.Tasks) {
		out = append(out, fmt.Sprintf("%d task(s) are part of a dependency cycle", len(p.Tasks)-scheduled))
	}
	return out
}

// ParseCoderReport extracts a CoderReport from coder output.
func ParseCoderReport(output string) (*CoderReport, error) {
	var r CoderReport
	if err := structured.Decode(PhaseCode, output, &r); err != nil {
		return nil, err
	}
	switch s := strings.ToLower(strings.TrimSpace(string(r.Status))); s {
	case "complete", "done", "success":
		r.Status = ReportCompleted
	default:
		r.Status = ReportStatus(s)
	}
	if !r.Status.IsValid() {
		return nil, errors.NewSchemaParseError(PhaseCode, fmt.Sprintf("unknown report status %q", r.Status)).WithExcerpt(output)
	}
	return &r, nil
}

func dedupe(ids []TaskID) []TaskID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]TaskID, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
