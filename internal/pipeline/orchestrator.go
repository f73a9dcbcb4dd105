package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldavier/Kiro-sub000/internal/dispatch"
	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/plan"
	"github.com/eldavier/Kiro-sub000/internal/pool"
	"github.com/eldavier/Kiro-sub000/internal/provider"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// Config holds the required collaborators of an Orchestrator.
type Config struct {
	Pool      *pool.Pool
	Completer provider.Completer
	Bus       *event.Bus
	// Dispatcher defaults to one built from Pool, Completer and Bus.
	Dispatcher *dispatch.Dispatcher
}

// Orchestrator runs pipelines and keeps every pipeline it has run.
type Orchestrator struct {
	mu        sync.RWMutex
	pipelines map[string]*record

	pool       *pool.Pool
	completer  provider.Completer
	bus        *event.Bus
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher

	defaultProvider   provider.Kind
	models            ModelResolver
	analysisMaxTokens int
	planMaxTokens     int
	temperature       *float64
	logger            *logging.Logger
	metrics           *metrics.Recorder
	newID             func() string
	now               func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// record is the live state of one pipeline.
type record struct {
	mu     sync.RWMutex
	state  State
	board  *dispatch.Board
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *record) snapshot() State {
	r.mu.RLock()
	st := r.state
	board := r.board
	r.mu.RUnlock()
	if board != nil {
		st.Tasks = board.Snapshot()
		st.Counts = board.Counts()
	}
	return st
}

func (r *record) update(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

// New creates an Orchestrator.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pipeline: Pool is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("pipeline: Completer is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("pipeline: Bus is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		pipelines:         make(map[string]*record),
		pool:              cfg.Pool,
		completer:         cfg.Completer,
		bus:               cfg.Bus,
		sessions:          cfg.Pool.Sessions(),
		dispatcher:        cfg.Dispatcher,
		defaultProvider:   provider.Anthropic,
		analysisMaxTokens: 4096,
		planMaxTokens:     8192,
		newID:             uuid.NewString,
		now:               time.Now,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	o.logger = o.logger.WithComponent("pipeline")
	if o.dispatcher == nil {
		o.dispatcher = dispatch.New(o.pool, o.completer, o.bus,
			dispatch.WithLogger(o.logger), dispatch.WithMetrics(o.metrics))
	}
	return o, nil
}

// RunPipeline runs a goal to completion and returns its final state. It
// never fails: every error ends up in the returned State.
func (o *Orchestrator) RunPipeline(ctx context.Context, req Request) State {
	r := o.register(ctx, req)
	o.execute(ctx, r)
	return r.snapshot()
}

// Launch starts a pipeline in the background and returns its id at once.
// The pipeline outlives ctx; it stops on Delete or Close.
func (o *Orchestrator) Launch(ctx context.Context, req Request) string {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.ctx, cancel)
	r := o.register(ctx, req)
	r.cancel = cancel
	id := r.state.ID

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		defer cancel()
		o.execute(ctx, r)
	}()
	return id
}

// Wait blocks until the pipeline finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (State, error) {
	r, err := o.lookup(id)
	if err != nil {
		return State{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Get returns a snapshot of one pipeline.
func (o *Orchestrator) Get(id string) (State, error) {
	r, err := o.lookup(id)
	if err != nil {
		return State{}, err
	}
	return r.snapshot(), nil
}

// List returns every pipeline, oldest first.
func (o *Orchestrator) List() []State {
	o.mu.RLock()
	records := make([]*record, 0, len(o.pipelines))
	for _, r := range o.pipelines {
		records = append(records, r)
	}
	o.mu.RUnlock()

	out := make([]State, 0, len(records))
	for _, r := range records {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b State) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Delete forgets a pipeline, cancelling it if it was launched and is still
// running.
func (o *Orchestrator) Delete(id string) error {
	o.mu.Lock()
	r, ok := o.pipelines[id]
	delete(o.pipelines, id)
	o.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("pipeline", id)
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Close cancels launched pipelines and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) lookup(id string) (*record, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.pipelines[id]
	if !ok {
		return nil, errors.NewNotFoundError("pipeline", id)
	}
	return r, nil
}

func (o *Orchestrator) register(_ context.Context, req Request) *record {
	kind := req.Provider
	if kind == "" {
		kind = o.defaultProvider
	}
	r := &record{
		state: State{
			ID:        o.newID(),
			Goal:      req.Goal,
			Context:   req.Context,
			Provider:  kind,
			Status:    StatusCreated,
			CreatedAt: o.now(),
		},
		done: make(chan struct{}),
	}
	o.mu.Lock()
	o.pipelines[r.state.ID] = r
	o.mu.Unlock()

	o.sessions.GetOrCreate(orchestratorID(r.state.ID),
		session.WithName("Orchestrator"),
		session.WithMode(ModeOrchestrator),
		session.WithPipeline(r.state.ID),
		session.WithProvider(kind),
	)
	o.bus.Emit(orchestratorID(r.state.ID), event.StatusCreated, "pipeline created: "+req.Goal, event.EmitOptions{
		Data: map[string]any{"goal": req.Goal, "provider": kind},
	})
	return r
}

// execute runs every phase of r. Panics and errors end in a failed state.
func (o *Orchestrator) execute(ctx context.Context, r *record) {
	id := r.state.ID
	log := o.logger.WithPipeline(id)
	agent := orchestratorID(id)
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			log.Error("pipeline panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			o.fail(r, agent, fmt.Errorf("pipeline panicked: %v", p))
		}
	}()

	req := r.snapshot()
	if req.Goal == "" {
		o.fail(r, agent, errors.NewValidationError("goal is required").WithField("goal"))
		return
	}
	if !req.Provider.IsValid() {
		o.fail(r, agent, errors.NewValidationError("unknown provider").WithField("provider").WithValue(string(req.Provider)))
		return
	}

	analysis, ok := o.analyse(ctx, r)
	if !ok {
		return
	}
	p, ok := o.planPhase(ctx, r, analysis)
	if !ok {
		return
	}

	o.setStatus(r, StatusDispatching)
	tasks := dispatch.Assign(p, func(tier dispatch.Tier) string { return o.modelFor(req.Provider, tier) })
	board := dispatch.NewBoard(tasks)
	r.mu.Lock()
	r.board = board
	r.mu.Unlock()
	for _, t := range tasks {
		o.bus.Emit(plannerID(id), event.StatusDelegated,
			fmt.Sprintf("delegated task %s to %s (%s)", t.ID, dispatch.CoderID(id, t.ID), t.Tier),
			event.EmitOptions{Data: map[string]any{
				"taskId": t.ID, "agentId": dispatch.CoderID(id, t.ID), "tier": t.Tier, "model": t.Model,
			}})
	}

	counts := o.dispatcher.Run(ctx, dispatch.Job{
		PipelineID: id,
		Goal:       req.Goal,
		Provider:   req.Provider,
		Plan:       p,
		Board:      board,
		OnStart:    func() { o.setStatus(r, StatusCoding) },
	})

	if counts.AllCompleted() {
		r.update(func(s *State) {
			s.Status = StatusCompleted
			s.FinishedAt = o.now()
		})
		msg := fmt.Sprintf("pipeline completed: %d task(s)", counts.Total)
		if counts.Partial > 0 {
			msg += fmt.Sprintf(", %d partial", counts.Partial)
		}
		log.Info("pipeline completed", "tasks", counts.Total, "partial", counts.Partial)
		o.bus.Emit(agent, event.StatusCompleted, msg, event.EmitOptions{Data: counts})
		o.metrics.PipelineFinished(context.Background(), string(StatusCompleted))
		return
	}
	o.fail(r, agent, fmt.Errorf("%d of %d task(s) did not complete (%d failed, %d blocked)",
		counts.Total-counts.Completed, counts.Total, counts.Failed, counts.Blocked))
}

func (o *Orchestrator) analyse(ctx context.Context, r *record) (*plan.Analysis, bool) {
	st := r.snapshot()
	agent := analyserID(st.ID)
	o.setStatus(r, StatusAnalysing)
	o.sessions.GetOrCreate(agent,
		session.WithName("Analyser"),
		session.WithMode(ModeAnalyser),
		session.WithPipeline(st.ID),
		session.WithProvider(st.Provider),
		session.WithModel(o.modelFor(st.Provider, dispatch.TierOpus)),
	)
	o.bus.Emit(agent, event.StatusRunning, "analysing goal", event.EmitOptions{})

	prompt, err := plan.AnalysisPrompt(st.Goal, st.Context)
	if err != nil {
		o.fail(r, agent, err)
		return nil, false
	}
	resp, err := o.complete(ctx, agent, st.Provider, dispatch.TierOpus, provider.TaskAnalyse, o.analysisMaxTokens,
		plan.AnalyserSystem, prompt)
	if err != nil {
		o.fail(r, agent, fmt.Errorf("analysis failed: %w", err))
		return nil, false
	}
	a, err := plan.ParseAnalysis(resp.Text)
	if err != nil {
		o.fail(r, agent, err)
		return nil, false
	}
	r.update(func(s *State) { s.Analysis = a })
	o.bus.Emit(agent, event.StatusCompleted, "analysis ready: "+a.Summary, event.EmitOptions{
		Data: map[string]any{"complexity": a.Complexity},
	})
	return a, true
}

func (o *Orchestrator) planPhase(ctx context.Context, r *record, a *plan.Analysis) (*plan.Plan, bool) {
	st := r.snapshot()
	agent := plannerID(st.ID)
	o.setStatus(r, StatusPlanning)
	o.sessions.GetOrCreate(agent,
		session.WithName("Planner"),
		session.WithMode(ModePlanner),
		session.WithPipeline(st.ID),
		session.WithProvider(st.Provider),
		session.WithModel(o.modelFor(st.Provider, dispatch.TierOpus)),
	)
	o.bus.Emit(agent, event.StatusRunning, "planning tasks", event.EmitOptions{})

	prompt, err := plan.PlanPrompt(st.Goal, st.Context, a)
	if err != nil {
		o.fail(r, agent, err)
		return nil, false
	}
	resp, err := o.complete(ctx, agent, st.Provider, dispatch.TierOpus, provider.TaskPlan, o.planMaxTokens,
		plan.PlannerSystem, prompt)
	if err != nil {
		o.fail(r, agent, fmt.Errorf("planning failed: %w", err))
		return nil, false
	}
	p, err := plan.ParsePlan(resp.Text)
	if err != nil {
		o.fail(r, agent, err)
		return nil, false
	}
	warnings := p.Warnings()
	for _, w := range warnings {
		o.logger.WithPipeline(st.ID).Warn("plan warning", "warning", w)
	}
	r.update(func(s *State) {
		s.Plan = p
		s.Warnings = warnings
	})
	o.bus.Emit(agent, event.StatusCompleted,
		fmt.Sprintf("plan ready: %d task(s) in %d group(s)", p.TaskCount(), len(p.ParallelGroups)),
		event.EmitOptions{Data: map[string]any{"tasks": p.TaskCount(), "groups": len(p.ParallelGroups)}})
	return p, true
}

// complete submits one completion through the pool and records its usage.
func (o *Orchestrator) complete(ctx context.Context, agent string, kind provider.Kind, tier dispatch.Tier,
	task string, maxTokens int, system, prompt string) (provider.Response, error) {
	opts := provider.Options{
		Provider:    kind,
		Model:       o.modelFor(kind, tier),
		MaxTokens:   maxTokens,
		Temperature: o.temperature,
		Task:        task,
	}
	messages := []provider.Message{provider.System(system), provider.User(prompt)}
	out, err := o.pool.Submit(ctx, agent, func(ctx context.Context) (any, error) {
		return o.completer.Complete(ctx, messages, opts)
	})
	if err != nil {
		return provider.Response{}, err
	}
	resp := out.(provider.Response)
	o.sessions.RecordUsage(agent, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	o.metrics.Tokens(ctx, string(kind), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (o *Orchestrator) modelFor(kind provider.Kind, tier dispatch.Tier) string {
	if o.models == nil {
		return ""
	}
	return o.models(kind, tier)
}

func (o *Orchestrator) setStatus(r *record, status Status) {
	var id string
	r.update(func(s *State) {
		s.Status = status
		id = s.ID
	})
	o.logger.WithPipeline(id).Debug("pipeline status", "status", string(status))
	o.bus.Emit(orchestratorID(id), event.StatusRunning, "pipeline "+string(status), event.EmitOptions{
		Data: map[string]any{"status": status},
	})
}

// fail moves r to failed and emits the failure from agent.
func (o *Orchestrator) fail(r *record, agent string, err error) {
	var id string
	r.update(func(s *State) {
		s.Status = StatusFailed
		s.Error = err.Error()
		s.FinishedAt = o.now()
		id = s.ID
	})
	o.logger.WithPipeline(id).WithAgent(agent).Error("pipeline failed", "error", err.Error())
	o.bus.Emit(agent, event.StatusFailed, "pipeline failed: "+err.Error(), event.EmitOptions{PipelineID: id})
	o.metrics.PipelineFinished(context.Background(), string(StatusFailed))
}
