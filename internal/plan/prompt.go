package plan

import (
	"encoding/json"
	"strings"
	"text/template"
)

// System prompts for each agent role.
const (
	AnalyserSystem = "You are a senior engineer analysing a change request. Respond with a single JSON object and nothing else."
	PlannerSystem  = "You are a senior software architect decomposing work into parallel tasks. Respond with a single JSON object and nothing else."
	CoderSystem    = "You are a coder agent executing one task of a larger plan. Finish with a single JSON report object."
)

const analysisTemplate = `Goal: {{.Goal}}
{{if .Context}}
## Context
{{.Context}}
{{end}}
## Instructions

Analyse what it takes to achieve the goal. Output a JSON object with:
- "summary": one-paragraph overview (string, required)
- "requirements": concrete requirements (array of strings)
- "constraints": constraints to respect (array of strings)
- "risks": risks to watch for (array of strings)
- "affected_areas": parts of the system that will change (array of strings)
- "complexity": one of "trivial", "small", "medium", "large", "epic"
`

const planTemplate = `Goal: {{.Goal}}
{{if .Context}}
## Context
{{.Context}}
{{end}}
## Analysis
{{.Analysis}}

## Instructions

Decompose the goal into discrete tasks. Output a JSON object with:
- "summary": brief summary of the plan (string)
- "tasks": array of task objects, each with:
  - "id": unique identifier (string or number)
  - "title": short title (string)
  - "description": instructions complete enough for independent execution (string)
  - "files": files the task will modify (array of strings)
  - "depends_on": ids of tasks that must complete first (array)
  - "priority": lower runs earlier within a group (number)
  - "complexity": one of "trivial", "small", "medium", "large", "epic"
  - "acceptance_criteria": checks that prove the task is done (array of strings)
- "dependency_edges": optional array of {"from": id, "to": id}, meaning "to" waits for "from"
- "parallel_groups": array of arrays of task ids; each group runs after the previous one

Prefer small tasks that can run in parallel, and give each file a single owner.
`

const coderTemplate = `Goal: {{.Goal}}

## Task {{.Task.ID}}: {{.Task.Title}}
{{.Task.Description}}
{{if .Task.Files}}
## Files
{{range .Task.Files}}- {{.}}
{{end}}{{end}}{{if .Task.AcceptanceCriteria}}
## Acceptance criteria
{{range .Task.AcceptanceCriteria}}- {{.}}
{{end}}{{end}}
## Report

When you are done, output a JSON object with:
- "status": "completed" if every criterion was attempted, "partial" if some were not, "blocked" if you cannot proceed
- "summary": what you did (string)
- "files_changed": files you changed (array of strings)
- "criteria_met": acceptance criteria you satisfied (array of strings)
- "notes": anything the reviewer should know (string)
- "reason": why the task is partial or blocked (string)
`

var (
	analysisTmpl = template.Must(template.New("analysis").Parse(analysisTemplate))
	planTmpl     = template.Must(template.New("plan").Parse(planTemplate))
	coderTmpl    = template.Must(template.New("coder").Parse(coderTemplate))
)

// AnalysisPrompt builds the analyser's user prompt.
func AnalysisPrompt(goal, context string) (string, error) {
	return render(analysisTmpl, map[string]any{"Goal": goal, "Context": context})
}

// PlanPrompt builds the planner's user prompt from the goal and the analysis.
func PlanPrompt(goal, context string, a *Analysis) (string, error) {
	analysis, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	return render(planTmpl, map[string]any{"Goal": goal, "Context": context, "Analysis": string(analysis)})
}

// CoderPrompt builds the coder's user prompt for one task.
func CoderPrompt(goal string, t *Task) (string, error) {
	return render(coderTmpl, map[string]any{"Goal": goal, "Task": t})
}

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
