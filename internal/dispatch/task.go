package dispatch

import (
	"sync"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/plan"
)

// Status is a dispatched task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// IsTerminal returns true if the task will not change status again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// validTransitions lists the forward moves a task may make.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusBlocked, StatusFailed},
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tier is a model capability class.
type Tier string

const (
	TierOpus   Tier = "opus-tier"
	TierSonnet Tier = "sonnet-tier"
)

// TierFor maps a complexity to its model tier: large and epic work goes to
// the high-capability tier, everything else to the fast tier.
func TierFor(c plan.Complexity) Tier {
	switch c {
	case plan.ComplexityLarge, plan.ComplexityEpic:
		return TierOpus
	default:
		return TierSonnet
	}
}

// Result is the coder's report as recorded on the task. Partial is set when
// the coder reported partial completion; the task still counts as completed.
type Result struct {
	plan.CoderReport
	Partial bool `json:"partial"`
}

// Task is a planned task plus its dispatch state.
type Task struct {
	plan.Task
	Status            Status        `json:"status"`
	AgentID           string        `json:"agentId,omitempty"`
	Tier              Tier          `json:"tier"`
	Model             string        `json:"model"`
	StartedAt         time.Time     `json:"startedAt,omitzero"`
	EndedAt           time.Time     `json:"endedAt,omitzero"`
	Result            *Result       `json:"result,omitempty"`
	Error             string        `json:"error,omitempty"`
	UnmetDependencies []plan.TaskID `json:"unmetDependencies,omitempty"`
}

// ModelFunc resolves the model name for a tier.
type ModelFunc func(Tier) string

// Assign builds the dispatch records for a plan, fixing every task's tier
// and model before anything runs.
func Assign(p *plan.Plan, model ModelFunc) []Task {
	out := make([]Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		tier := TierFor(pt.Complexity)
		t := Task{Task: pt, Status: StatusPending, Tier: tier}
		if model != nil {
			t.Model = model(tier)
		}
		out = append(out, t)
	}
	return out
}

// Counts aggregates task statuses. Partial tasks are included in Completed.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// AllCompleted reports whether every task completed, partial or not.
func (c Counts) AllCompleted() bool {
	return c.Completed == c.Total
}

// Board is the shared, mutex-guarded set of tasks of one pipeline. The
// dispatcher writes it while readers take snapshots.
type Board struct {
	mu    sync.RWMutex
	tasks []*Task
	index map[plan.TaskID]*Task
}

// NewBoard creates a board holding copies of tasks, in order.
func NewBoard(tasks []Task) *Board {
	b := &Board{index: make(map[plan.TaskID]*Task, len(tasks))}
	for i := range tasks {
		t := tasks[i]
		b.tasks = append(b.tasks, &t)
		b.index[t.ID] = &t
	}
	return b
}

// Get returns a copy of one task.
func (b *Board) Get(id plan.TaskID) (Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.index[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Snapshot returns copies of every task in plan order.
func (b *Board) Snapshot() []Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Task, len(b.tasks))
	for i, t := range b.tasks {
		out[i] = *t
	}
	return out
}

// Counts tallies the board.
func (b *Board) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := Counts{Total: len(b.tasks)}
	for _, t := range b.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusQueued:
			c.Queued++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
			if t.Result != nil && t.Result.Partial {
				c.Partial++
			}
		case StatusFailed:
			c.Failed++
		case StatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// transition moves a task to status and applies fn under the lock. It
// returns false, changing nothing, if the move is not a forward one.
func (b *Board) transition(id plan.TaskID, to Status, fn func(*Task)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.index[id]
	if !ok || !canTransition(t.Status, to) {
		return false
	}
	t.Status = to
	if fn != nil {
		fn(t)
	}
	return true
}

// set applies fn to a task without changing its status.
func (b *Board) set(id plan.TaskID, fn func(*Task)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.index[id]; ok {
		fn(t)
	}
}
