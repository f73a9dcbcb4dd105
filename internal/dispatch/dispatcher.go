// Package dispatch runs a plan's tasks through the execution pool.
//
// Groups are walked in declared order. A task whose dependencies have not
// all completed is blocked and never runs. The rest of a group runs in
// batches of at most the parallel-coder limit; every task of a batch is
// started together and the next batch waits until all of them settle. A
// task's failure never stops its siblings. Tasks listed in no group run
// last, one at a time, in plan order.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/plan"
	"github.com/eldavier/Kiro-sub000/internal/pool"
	"github.com/eldavier/Kiro-sub000/internal/provider"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// ModeCoder is the session mode of coder agents.
const ModeCoder = "coder"

// DefaultMaxParallelCoders bounds a batch when no option overrides it.
const DefaultMaxParallelCoders = 3

// Dispatcher executes plans. It is safe for concurrent use by several
// pipelines.
type Dispatcher struct {
	pool        *pool.Pool
	completer   provider.Completer
	bus         *event.Bus
	sessions    *session.Registry
	maxParallel limit.Limit
	maxTokens   int
	temperature *float64
	logger      *logging.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxParallelCoders bounds each batch. limit.None() runs a whole group
// as one batch.
func WithMaxParallelCoders(l limit.Limit) Option {
	return func(d *Dispatcher) { d.maxParallel = l }
}

// WithMaxTokens sets the completion budget of each coding request.
func WithMaxTokens(n int) Option {
	return func(d *Dispatcher) { d.maxTokens = n }
}

// WithTemperature sets the sampling temperature of coding requests.
func WithTemperature(t float64) Option {
	return func(d *Dispatcher) { d.temperature = &t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher submitting through p. Coder sessions live in the
// pool's registry.
func New(p *pool.Pool, c provider.Completer, bus *event.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:        p,
		completer:   c,
		bus:         bus,
		sessions:    p.Sessions(),
		maxParallel: limit.Of(DefaultMaxParallelCoders),
		maxTokens:   8192,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.NopLogger()
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d
}

// Job is one plan to execute.
type Job struct {
	PipelineID string
	Goal       string
	Provider   provider.Kind
	Plan       *plan.Plan
	Board      *Board
	// OnStart is called once, just before the first task is submitted.
	OnStart func()
}

// CoderID returns the session id of the coder for a task.
func CoderID(pipelineID string, taskID plan.TaskID) string {
	return fmt.Sprintf("coder-%s-%s", pipelineID, taskID)
}

// Run executes the job's plan and returns the final tallies. It returns
// once every task has reached a terminal status or could not be reached.
func (d *Dispatcher) Run(ctx context.Context, job Job) Counts {
	log := d.logger.WithPipeline(job.PipelineID)
	completed := make(map[plan.TaskID]bool)
	seen := make(map[plan.TaskID]bool)
	started := false
	start := func() {
		if !started {
			started = true
			if job.OnStart != nil {
				job.OnStart()
			}
		}
	}

	for gi, group := range job.Plan.ParallelGroups {
		var runnable []plan.TaskID
		for _, id := range group {
			if seen[id] {
				log.Warn("task listed in several groups", "task_id", id.String(), "group", gi+1)
				continue
			}
			t, ok := job.Board.Get(id)
			if !ok {
				log.Warn("parallel group lists unknown task", "task_id", id.String(), "group", gi+1)
				continue
			}
			seen[id] = true
			if missing := unmet(t, completed); len(missing) > 0 {
				d.block(job, id, missing)
				continue
			}
			runnable = append(runnable, id)
		}

		size := d.maxParallel.Chunk(len(runnable))
		for i := 0; i < len(runnable); i += size {
			batch := runnable[i:min(i+size, len(runnable))]
			start()
			log.Debug("starting batch", "group", gi+1, "tasks", len(batch))
			d.runBatch(ctx, job, batch)
		}

		for _, id := range runnable {
			if t, _ := job.Board.Get(id); t.Status == StatusCompleted {
				completed[id] = true
			}
		}
	}

	for _, id := range job.Plan.Ungrouped() {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, _ := job.Board.Get(id)
		if missing := unmet(t, completed); len(missing) > 0 {
			d.block(job, id, missing)
			continue
		}
		start()
		d.runBatch(ctx, job, []plan.TaskID{id})
		if t, _ := job.Board.Get(id); t.Status == StatusCompleted {
			completed[id] = true
		}
	}

	return job.Board.Counts()
}

// runBatch starts every task of the batch and waits for all to settle.
func (d *Dispatcher) runBatch(ctx context.Context, job Job, batch []plan.TaskID) {
	for _, id := range batch {
		job.Board.transition(id, StatusQueued, nil)
	}
	var wg conc.WaitGroup
	for _, id := range batch {
		wg.Go(func() { d.runTask(ctx, job, id) })
	}
	if r := wg.WaitAndRecover(); r != nil {
		d.logger.WithPipeline(job.PipelineID).Error("batch panicked", "panic", r.String())
	}
}

func unmet(t Task, completed map[plan.TaskID]bool) []plan.TaskID {
	var missing []plan.TaskID
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (d *Dispatcher) block(job Job, id plan.TaskID, missing []plan.TaskID) {
	agentID := CoderID(job.PipelineID, id)
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = m.String()
	}
	err := errors.NewDependencyUnmetError(id.String(), names)
	var tier Tier
	job.Board.transition(id, StatusBlocked, func(t *Task) {
		t.UnmetDependencies = missing
		t.Error = err.Error()
		t.EndedAt = d.now()
		tier = t.Tier
	})
	d.logger.WithPipeline(job.PipelineID).WithTask(id.String()).Warn("task blocked", "missing", names)
	d.bus.Emit(agentID, event.StatusFailed, fmt.Sprintf("task %s blocked: %v", id, err), event.EmitOptions{
		PipelineID: job.PipelineID,
		Mode:       ModeCoder,
		Data:       map[string]any{"taskId": id, "unmetDependencies": missing},
	})
	d.metrics.TaskFinished(context.Background(), string(StatusBlocked), string(tier))
}

// runTask drives one task to a terminal status. It emits exactly one
// terminal event.
func (d *Dispatcher) runTask(ctx context.Context, job Job, id plan.TaskID) {
	t, _ := job.Board.Get(id)
	agentID := CoderID(job.PipelineID, id)
	log := d.logger.WithPipeline(job.PipelineID).WithTask(id.String()).WithAgent(agentID)

	defer func() {
		if r := recover(); r != nil {
			d.fail(job, t, agentID, fmt.Errorf("task %s panicked: %v", id, r))
		}
	}()

	d.sessions.GetOrCreate(agentID,
		session.WithName(fmt.Sprintf("Coder %s", id)),
		session.WithMode(ModeCoder),
		session.WithModel(t.Model),
		session.WithProvider(job.Provider),
		session.WithPipeline(job.PipelineID),
	)
	job.Board.set(id, func(t *Task) { t.AgentID = agentID })
	d.bus.Emit(agentID, event.StatusReceived, fmt.Sprintf("received task %s: %s", id, t.Title), event.EmitOptions{
		Data: map[string]any{"taskId": id, "tier": t.Tier, "model": t.Model},
	})

	prompt, err := plan.CoderPrompt(job.Goal, &t.Task)
	if err != nil {
		d.fail(job, t, agentID, err)
		return
	}
	messages := []provider.Message{provider.System(plan.CoderSystem), provider.User(prompt)}
	opts := provider.Options{
		Provider:    job.Provider,
		Model:       t.Model,
		MaxTokens:   d.maxTokens,
		Temperature: d.temperature,
		Task:        provider.TaskCode,
	}

	out, err := d.pool.Submit(ctx, agentID, func(ctx context.Context) (any, error) {
		job.Board.transition(id, StatusRunning, func(t *Task) { t.StartedAt = d.now() })
		d.bus.Emit(agentID, event.StatusRunning, fmt.Sprintf("working on task %s", id), event.EmitOptions{
			Data: map[string]any{"taskId": id},
		})
		return d.completer.Complete(ctx, messages, opts)
	})
	if err != nil {
		d.fail(job, t, agentID, err)
		return
	}
	resp := out.(provider.Response)
	d.sessions.RecordUsage(agentID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	d.metrics.Tokens(ctx, string(job.Provider), resp.Usage.InputTokens, resp.Usage.OutputTokens)

	report, err := plan.ParseCoderReport(resp.Text)
	if err != nil {
		d.fail(job, t, agentID, err)
		return
	}
	log.Debug("coder reported", "status", string(report.Status))

	switch report.Status {
	case plan.ReportBlocked:
		d.fail(job, t, agentID, errors.NewModelBlockedError(id.String(), report.Reason))
	default:
		d.complete(job, t, agentID, &Result{CoderReport: *report, Partial: report.Status == plan.ReportPartial})
	}
}

func (d *Dispatcher) complete(job Job, t Task, agentID string, res *Result) {
	job.Board.transition(t.ID, StatusCompleted, func(t *Task) {
		t.Result = res
		t.EndedAt = d.now()
	})
	msg := fmt.Sprintf("completed task %s", t.ID)
	label := string(StatusCompleted)
	if res.Partial {
		msg = fmt.Sprintf("partially completed task %s", t.ID)
		label = "partial"
	}
	d.bus.Emit(agentID, event.StatusCompleted, msg, event.EmitOptions{
		Data: map[string]any{"taskId": t.ID, "partial": res.Partial, "summary": res.Summary},
	})
	d.metrics.TaskFinished(context.Background(), label, string(t.Tier))
}

func (d *Dispatcher) fail(job Job, t Task, agentID string, err error) {
	job.Board.transition(t.ID, StatusFailed, func(t *Task) {
		t.Error = err.Error()
		t.EndedAt = d.now()
	})
	d.logger.WithPipeline(job.PipelineID).WithTask(t.ID.String()).Warn("task failed", "error", err.Error())
	d.bus.Emit(agentID, event.StatusFailed, fmt.Sprintf("task %s failed: %v", t.ID, err), event.EmitOptions{
		PipelineID: job.PipelineID,
		Mode:       ModeCoder,
		Data:       map[string]any{"taskId": t.ID},
	})
	d.metrics.TaskFinished(context.Background(), string(StatusFailed), string(t.Tier))
}
