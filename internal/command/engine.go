// Package command decides whether agent-requested shell commands run.
//
// Every submission is resolved against the agent's effective policy: auto
// runs it at once, deny refuses it, and prompt parks it in a pending queue
// until Approve, Deny or Cancel settles it. Decided entries move to a bounded
// history exactly once and are updated there as execution progresses.
package command

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
)

// Defaults used when no option overrides them.
const (
	DefaultTimeout        = 2 * time.Minute
	DefaultMaxHistory     = 500
	DefaultMaxOutputBytes = 1 << 20
)

// ApprovalListener is told about every command that enters the pending queue.
type ApprovalListener func(Entry)

type listener struct {
	id int
	fn ApprovalListener
}

// Engine holds the approval policy, the pending queue and the history.
type Engine struct {
	mu         sync.Mutex
	globalMode Mode
	agentModes map[string]Mode
	pending    []*Entry
	history    []*Entry
	byID       map[string]*Entry
	listeners  []listener
	nextListen int

	executor       Executor
	shell          string
	defaultTimeout time.Duration
	maxHistory     limit.Limit
	maxOutput      int
	denyList       bool

	bus     *event.Bus
	logger  *logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor replaces the shell executor.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithGlobalMode sets the initial global policy.
func WithGlobalMode(m Mode) Option {
	return func(e *Engine) { e.globalMode = m }
}

// WithAgentPolicies sets the initial per-agent overrides.
func WithAgentPolicies(policies map[string]Mode) Option {
	return func(e *Engine) { e.agentModes = maps.Clone(policies) }
}

// WithShell sets the shell commands run under.
func WithShell(shell string) Option {
	return func(e *Engine) { e.shell = shell }
}

// WithDefaultTimeout sets the timeout for requests that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithMaxHistory bounds the history. limit.None() keeps everything.
func WithMaxHistory(l limit.Limit) Option {
	return func(e *Engine) { e.maxHistory = l }
}

// WithMaxOutputBytes caps captured stdout and stderr each.
func WithMaxOutputBytes(n int) Option {
	return func(e *Engine) { e.maxOutput = n }
}

// WithDenyList toggles the built-in dangerous-command check.
func WithDenyList(on bool) Option {
	return func(e *Engine) { e.denyList = on }
}

// WithBus publishes command lifecycle events to the activity bus.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator replaces the uuid generator for entry ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an Engine in prompt mode with the deny list enabled.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		globalMode:     ModePrompt,
		agentModes:     map[string]Mode{},
		byID:           map[string]*Entry{},
		executor:       ShellExecutor{},
		shell:          DefaultShell,
		defaultTimeout: DefaultTimeout,
		maxHistory:     limit.Of(DefaultMaxHistory),
		maxOutput:      DefaultMaxOutputBytes,
		denyList:       true,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.agentModes == nil {
		e.agentModes = map[string]Mode{}
	}
	if !e.globalMode.IsValid() {
		e.globalMode = ModePrompt
	}
	if e.logger == nil {
		e.logger = logging.NopLogger()
	}
	e.logger = e.logger.WithComponent("command")
	return e
}

// Submit records a command and applies the agent's effective policy. In auto
// mode the command has run by the time Submit returns; in prompt mode the
// returned entry is pending. Only malformed requests produce an error.
func (e *Engine) Submit(ctx context.Context, req Request) (Entry, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return Entry{}, errors.NewValidationError("agent id is required").WithField("agentId")
	}
	if strings.TrimSpace(req.Command) == "" {
		return Entry{}, errors.NewValidationError("command is required").WithField("command")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	name := req.AgentName
	if name == "" {
		name = req.AgentID
	}

	e.mu.Lock()
	mode := e.effectiveLocked(req.AgentID)
	entry := &Entry{
		ID:          e.newID(),
		AgentID:     req.AgentID,
		AgentName:   name,
		Command:     req.Command,
		Reason:      req.Reason,
		Dir:         req.Dir,
		TimeoutMS:   timeout.Milliseconds(),
		Status:      StatusPending,
		Mode:        mode,
		SubmittedAt: e.now(),
	}
	e.byID[entry.ID] = entry
	log := e.logger.WithCommand(entry.ID).WithAgent(entry.AgentID)

	if pattern, blocked := Blocked(req.Command); e.denyList && blocked {
		e.decideLocked(entry, StatusDenied, fmt.Sprintf("matches deny list pattern %q", pattern))
		snap := *entry
		e.mu.Unlock()
		log.Warn("command denied by deny list", "pattern", pattern)
		e.finished(ctx, snap)
		return snap, nil
	}

	switch mode {
	case ModeDeny:
		e.decideLocked(entry, StatusDenied, "denied by policy")
		snap := *entry
		e.mu.Unlock()
		log.Info("command denied by policy")
		e.finished(ctx, snap)
		return snap, nil

	case ModeAuto:
		e.decideLocked(entry, StatusApproved, "")
		e.mu.Unlock()
		log.Info("command auto-approved")
		return e.run(ctx, entry), nil

	default:
		e.pending = append(e.pending, entry)
		snap := *entry
		listeners := slices.Clone(e.listeners)
		e.mu.Unlock()
		log.Info("command awaiting approval", "command", entry.Command)
		e.emit(snap, event.StatusWaiting, "awaiting approval: "+snap.Command)
		for _, l := range listeners {
			e.notify(l.fn, snap)
		}
		return snap, nil
	}
}

// Approve runs a pending command and returns its settled entry.
func (e *Engine) Approve(ctx context.Context, id string) (Entry, error) {
	e.mu.Lock()
	entry, err := e.takePendingLocked(id)
	if err != nil {
		e.mu.Unlock()
		return Entry{}, err
	}
	e.decideLocked(entry, StatusApproved, "")
	e.mu.Unlock()
	e.logger.WithCommand(id).Info("command approved")
	return e.run(ctx, entry), nil
}

// ApproveAll approves every command pending at the time of the call and runs
// them concurrently. Commands submitted meanwhile stay pending.
func (e *Engine) ApproveAll(ctx context.Context) []Entry {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	for _, entry := range batch {
		e.decideLocked(entry, StatusApproved, "")
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return []Entry{}
	}
	e.logger.Info("approving all pending commands", "count", len(batch))

	out := make([]Entry, len(batch))
	var wg conc.WaitGroup
	for i, entry := range batch {
		wg.Go(func() { out[i] = e.run(ctx, entry) })
	}
	wg.Wait()
	return out
}

// Deny refuses a pending command without running it.
func (e *Engine) Deny(id, reason string) (Entry, error) {
	if reason == "" {
		reason = "denied by operator"
	}
	return e.settle(id, StatusDenied, reason)
}

// DenyAll refuses every pending command.
func (e *Engine) DenyAll(reason string) []Entry {
	if reason == "" {
		reason = "denied by operator"
	}
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	out := make([]Entry, 0, len(batch))
	for _, entry := range batch {
		e.decideLocked(entry, StatusDenied, reason)
		out = append(out, *entry)
	}
	e.mu.Unlock()

	for _, snap := range out {
		e.finished(context.Background(), snap)
	}
	if len(out) > 0 {
		e.logger.Info("denied all pending commands", "count", len(out))
	}
	return out
}

// Cancel withdraws a pending command without running it.
func (e *Engine) Cancel(id string) (Entry, error) {
	return e.settle(id, StatusCancelled, "cancelled")
}

func (e *Engine) settle(id string, status Status, reason string) (Entry, error) {
	e.mu.Lock()
	entry, err := e.takePendingLocked(id)
	if err != nil {
		e.mu.Unlock()
		return Entry{}, err
	}
	e.decideLocked(entry, status, reason)
	snap := *entry
	e.mu.Unlock()
	e.logger.WithCommand(id).Info("command settled without running", "status", string(status))
	e.finished(context.Background(), snap)
	return snap, nil
}

// takePendingLocked removes id from the pending queue.
func (e *Engine) takePendingLocked(id string) (*Entry, error) {
	idx := slices.IndexFunc(e.pending, func(p *Entry) bool { return p.ID == id })
	if idx < 0 {
		if entry, ok := e.byID[id]; ok {
			return nil, errors.Wrapf(errors.ErrNotPending, "command %s is %s", id, entry.Status)
		}
		return nil, errors.NewNotFoundError("command", id)
	}
	entry := e.pending[idx]
	e.pending = slices.Delete(e.pending, idx, idx+1)
	return entry, nil
}

// decideLocked records the decision and moves the entry into the history.
func (e *Engine) decideLocked(entry *Entry, status Status, reason string) {
	entry.Status = status
	entry.DecidedAt = e.now()
	if status == StatusDenied || status == StatusCancelled {
		entry.DenyReason = reason
		entry.FinishedAt = entry.DecidedAt
	}
	e.history = append(e.history, entry)
	if n, ok := e.maxHistory.Value(); ok && n >= 0 && len(e.history) > n {
		drop := len(e.history) - n
		for _, old := range e.history[:drop] {
			delete(e.byID, old.ID)
		}
		e.history = slices.Delete(e.history, 0, drop)
	}
}

// run executes an approved entry and returns its terminal snapshot.
func (e *Engine) run(ctx context.Context, entry *Entry) Entry {
	e.mu.Lock()
	entry.Status = StatusRunning
	req := ExecRequest{
		Command:   entry.Command,
		Dir:       entry.Dir,
		Timeout:   entry.Timeout(),
		Shell:     e.shell,
		MaxOutput: e.maxOutput,
	}
	snap := *entry
	e.mu.Unlock()

	log := e.logger.WithCommand(entry.ID).WithAgent(entry.AgentID)
	e.emit(snap, event.StatusRunning, "running command: "+snap.Command)
	log.Debug("command started", "command", snap.Command, "timeout", req.Timeout.String())

	res := e.exec(ctx, req)

	e.mu.Lock()
	code := res.ExitCode
	entry.ExitCode = &code
	entry.Stdout = res.Stdout
	entry.Stderr = res.Stderr
	entry.FinishedAt = e.now()
	switch {
	case res.TimedOut:
		entry.Status = StatusTimeout
	case res.ExitCode == 0:
		entry.Status = StatusCompleted
	default:
		entry.Status = StatusFailed
	}
	snap = *entry
	e.mu.Unlock()

	log.Info("command finished", "status", string(snap.Status), "exit_code", code, "duration", res.Duration.String())
	e.finished(ctx, snap)
	return snap
}

// exec calls the executor, converting a panic into a failed result.
func (e *Engine) exec(ctx context.Context, req ExecRequest) (res ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = ExecResult{Stderr: fmt.Sprintf("executor panicked: %v", r), ExitCode: -1}
		}
	}()
	return e.executor.Exec(ctx, req)
}

func (e *Engine) notify(fn ApprovalListener, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("approval listener panicked", "command_id", entry.ID, "panic", fmt.Sprint(r))
		}
	}()
	fn(entry)
}

// finished records metrics and the terminal activity event.
func (e *Engine) finished(ctx context.Context, entry Entry) {
	e.metrics.Command(ctx, string(entry.Status), string(entry.Mode))
	switch entry.Status {
	case StatusCompleted:
		e.emit(entry, event.StatusCompleted, "command completed: "+entry.Command)
	case StatusDenied:
		e.emit(entry, event.StatusFailed, "command denied: "+entry.DenyReason)
	case StatusCancelled:
		e.emit(entry, event.StatusFailed, "command cancelled: "+entry.Command)
	case StatusTimeout:
		e.emit(entry, event.StatusFailed, "command timed out: "+entry.Command)
	default:
		e.emit(entry, event.StatusFailed, fmt.Sprintf("command failed with exit code %d: %s", exitCode(entry), entry.Command))
	}
}

func (e *Engine) emit(entry Entry, status event.Status, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(entry.AgentID, status, message, event.EmitOptions{
		AgentName: entry.AgentName,
		Data: map[string]any{
			"commandId":     entry.ID,
			"commandStatus": string(entry.Status),
		},
	})
}

func exitCode(entry Entry) int {
	if entry.ExitCode == nil {
		return -1
	}
	return *entry.ExitCode
}

// Get returns a pending or historical entry.
func (e *Engine) Get(id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.byID[id]
	if !ok {
		return Entry{}, errors.NewNotFoundError("command", id)
	}
	return *entry, nil
}

// Pending returns the pending queue in submission order.
func (e *Engine) Pending() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.pending)
}

// History returns decided entries in decision order.
func (e *Engine) History() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.history)
}

func snapshot(entries []*Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		out[i] = *entry
	}
	return out
}

// OnApprovalRequest registers a listener for newly pending commands and
// returns a function that removes it.
func (e *Engine) OnApprovalRequest(fn ApprovalListener) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListen++
	id := e.nextListen
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners = slices.DeleteFunc(e.listeners, func(l listener) bool { return l.id == id })
	}
}

// EffectivePolicy returns the agent's override, or the global mode.
func (e *Engine) EffectivePolicy(agentID string) Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveLocked(agentID)
}

func (e *Engine) effectiveLocked(agentID string) Mode {
	if m, ok := e.agentModes[agentID]; ok {
		return m
	}
	return e.globalMode
}

// GlobalMode returns the global policy.
func (e *Engine) GlobalMode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalMode
}

// SetGlobalMode replaces the global policy.
func (e *Engine) SetGlobalMode(m Mode) error {
	if !m.IsValid() {
		return errors.Wrapf(errors.ErrInvalidPolicy, "mode %q", m)
	}
	e.mu.Lock()
	e.globalMode = m
	e.mu.Unlock()
	e.logger.Info("global approval mode changed", "mode", string(m))
	return nil
}

// SetAgentPolicy overrides the global policy for one agent.
func (e *Engine) SetAgentPolicy(agentID string, m Mode) error {
	if !m.IsValid() {
		return errors.Wrapf(errors.ErrInvalidPolicy, "mode %q for agent %s", m, agentID)
	}
	if agentID == "" {
		return errors.NewValidationError("agent id is required").WithField("agentId")
	}
	e.mu.Lock()
	e.agentModes[agentID] = m
	e.mu.Unlock()
	e.logger.WithAgent(agentID).Info("agent approval mode set", "mode", string(m))
	return nil
}

// ClearAgentPolicy removes an agent's override. It reports whether one existed.
func (e *Engine) ClearAgentPolicy(agentID string) bool {
	e.mu.Lock()
	_, ok := e.agentModes[agentID]
	delete(e.agentModes, agentID)
	e.mu.Unlock()
	return ok
}

// AgentPolicies returns a copy of the per-agent overrides.
func (e *Engine) AgentPolicies() map[string]Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.agentModes)
}

// ApplyPolicy replaces the global mode and every override at once. Invalid
// modes leave the engine unchanged.
func (e *Engine) ApplyPolicy(global Mode, agents map[string]Mode) error {
	if !global.IsValid() {
		return errors.Wrapf(errors.ErrInvalidPolicy, "mode %q", global)
	}
	for agent, m := range agents {
		if !m.IsValid() {
			return errors.Wrapf(errors.ErrInvalidPolicy, "mode %q for agent %s", m, agent)
		}
	}
	e.mu.Lock()
	e.globalMode = global
	e.agentModes = maps.Clone(agents)
	if e.agentModes == nil {
		e.agentModes = map[string]Mode{}
	}
	e.mu.Unlock()
	e.logger.Info("approval policy applied", "mode", string(global), "overrides", len(agents))
	return nil
}
