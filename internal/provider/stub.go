package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StubBackend answers deterministically without a network. It produces
// well-formed analysis, plan and coder reports so a full pipeline can run
// offline, and it can be primed with fixed responses per task.
type StubBackend struct {
	// Responses overrides the generated text for a task (analyse, plan, code).
	Responses map[string]string
	// Delay is slept before answering, honouring ctx.
	Delay time.Duration
}

// NewStub returns a StubBackend with no overrides.
func NewStub() *StubBackend {
	return &StubBackend{Responses: map[string]string{}}
}

// Complete implements Completer.
func (s *StubBackend) Complete(ctx context.Context, messages []Message, opts Options) (Response, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	prompt := lastUserContent(messages)
	text, ok := s.Responses[opts.Task]
	if !ok {
		text = s.generate(opts.Task, prompt)
	}
	model := opts.Model
	if model == "" {
		model = "stub"
	}
	return Response{
		Text:  text,
		Model: model,
		Usage: Usage{InputTokens: wordCount(messages), OutputTokens: len(strings.Fields(text))},
	}, nil
}

func (s *StubBackend) generate(task, prompt string) string {
	goal := firstLine(prompt)
	switch task {
	case TaskAnalyse:
		return mustJSON(map[string]any{
			"summary":        "Stub analysis of: " + goal,
			"requirements":   []string{"Implement the requested change", "Cover it with tests"},
			"constraints":    []string{},
			"risks":          []string{"Stub provider output is synthetic"},
			"affected_areas": []string{"core"},
			"complexity":     "medium",
		})
	case TaskPlan:
		return mustJSON(map[string]any{
			"summary": "Stub plan for: " + goal,
			"tasks": []map[string]any{
				{"id": 1, "title": "Lay groundwork", "description": "Prepare the code paths for: " + goal,
					"dependencies": []int{}, "priority": 1, "complexity": "small",
					"acceptance_criteria": []string{"Groundwork compiles"}},
				{"id": 2, "title": "Implement change", "description": "Implement: " + goal,
					"dependencies": []int{1}, "priority": 2, "complexity": "large",
					"acceptance_criteria": []string{"Behaviour implemented"}},
				{"id": 3, "title": "Add tests", "description": "Test: " + goal,
					"dependencies": []int{1}, "priority": 3, "complexity": "medium",
					"acceptance_criteria": []string{"Tests pass"}},
			},
			"parallel_groups": [][]int{{1}, {2, 3}},
		})
	case TaskCode:
		return "Done.\n```json\n" + mustJSON(map[string]any{
			"status":        "completed",
			"summary":       "Stub coder finished: " + goal,
			"files_changed": []string{},
			"criteria_met":  []string{},
		}) + "\n```"
	default:
		return fmt.Sprintf("stub response to %q", goal)
	}
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func wordCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
