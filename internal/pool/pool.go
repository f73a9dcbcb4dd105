// Package pool bounds how much work runs at once.
//
// Submit runs work immediately when a slot is free, parks it in a FIFO queue
// when every slot is busy, and rejects it synchronously with
// errors.ErrQueueFull when the queue is at capacity. A finishing run hands
// its slot straight to the head of the queue, so queued work is drained in
// submission order and never races new arrivals for a slot.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// Default bounds.
const (
	DefaultMaxConcurrency = 5
	DefaultMaxQueueSize   = 100
)

// Work is a unit submitted on behalf of a session.
type Work func(ctx context.Context) (any, error)

// waiter is a queued submission. granted and err are written under Pool.mu
// before ready is closed.
type waiter struct {
	sessionID  string
	ready      chan struct{}
	enqueuedAt time.Time
	elem       *list.Element
	granted    bool
	err        error
}

// Pool is a bounded-concurrency executor with a bounded FIFO wait queue.
type Pool struct {
	mu             sync.Mutex
	maxConcurrency limit.Limit
	maxQueueSize   limit.Limit
	active         int
	queue          *list.List
	closed         bool

	totalProcessed int64
	totalQueued    int64
	totalRejected  int64

	sessions *session.Registry
	logger   *logging.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConcurrency sets the number of slots. limit.None() removes the bound.
func WithMaxConcurrency(l limit.Limit) Option {
	return func(p *Pool) { p.maxConcurrency = l }
}

// WithMaxQueueSize bounds the wait queue. limit.None() removes the bound.
func WithMaxQueueSize(l limit.Limit) Option {
	return func(p *Pool) { p.maxQueueSize = l }
}

// WithSessions sets the registry whose request counters the pool maintains.
func WithSessions(r *session.Registry) Option {
	return func(p *Pool) { p.sessions = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a Pool with 5 slots and a queue of 100 unless overridden.
func New(opts ...Option) *Pool {
	p := &Pool{
		maxConcurrency: limit.Of(DefaultMaxConcurrency),
		maxQueueSize:   limit.Of(DefaultMaxQueueSize),
		queue:          list.New(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sessions == nil {
		p.sessions = session.NewRegistry()
	}
	if p.logger == nil {
		p.logger = logging.NopLogger()
	}
	p.logger = p.logger.WithComponent("pool")
	p.metrics.ObservePool(func() (int64, int64) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return int64(p.active), int64(p.queue.Len())
	})
	return p
}

// Submit runs work for sessionID once a slot is available and returns its
// result. It blocks until the work settles, returns errors.ErrQueueFull at
// once when the queue is full, and returns ctx.Err() if ctx ends while the
// work is still queued. A panic in work is returned as an error.
func (p *Pool) Submit(ctx context.Context, sessionID string, work Work) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}
	if p.maxConcurrency.Allows(p.active) {
		p.active++
		p.mu.Unlock()
		p.metrics.PoolSubmission(ctx, "immediate")
		return p.run(ctx, sessionID, work)
	}
	if !p.maxQueueSize.Allows(p.queue.Len()) {
		p.totalRejected++
		queued := p.queue.Len()
		p.mu.Unlock()
		p.metrics.PoolSubmission(ctx, "rejected")
		p.logger.Warn("submission rejected", "agent_id", sessionID, "queue_length", queued)
		return nil, errors.Wrapf(errors.ErrQueueFull, "agent %s", sessionID)
	}
	w := &waiter{sessionID: sessionID, ready: make(chan struct{}), enqueuedAt: p.now()}
	w.elem = p.queue.PushBack(w)
	p.totalQueued++
	position := p.queue.Len()
	p.mu.Unlock()

	p.metrics.PoolSubmission(ctx, "queued")
	p.logger.Debug("submission queued", "agent_id", sessionID, "position", position)

	select {
	case <-w.ready:
	case <-ctx.Done():
		p.mu.Lock()
		if !w.granted {
			p.queue.Remove(w.elem)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		if w.err != nil {
			return nil, w.err
		}
		// The slot was handed over as ctx ended; pass it on unused.
		p.release(false)
		return nil, ctx.Err()
	}

	if w.err != nil {
		return nil, w.err
	}
	p.metrics.PoolQueueWait(ctx, p.now().Sub(w.enqueuedAt))
	return p.run(ctx, sessionID, work)
}

// run executes work in an already-acquired slot.
func (p *Pool) run(ctx context.Context, sessionID string, work Work) (result any, err error) {
	start := p.now()
	p.sessions.BeginRequest(sessionID)
	defer func() {
		p.sessions.EndRequest(sessionID)
		p.release(true)
		p.metrics.PoolWork(ctx, p.now().Sub(start))
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("work panicked", "agent_id", sessionID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("work for agent %s panicked: %v", sessionID, r)
		}
	}()
	return work(ctx)
}

// release frees a slot, handing it to the oldest waiter if there is one.
func (p *Pool) release(processed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if processed {
		p.totalProcessed++
	}
	if front := p.queue.Front(); front != nil {
		w := p.queue.Remove(front).(*waiter)
		w.granted = true
		close(w.ready)
		return
	}
	p.active--
}

// Purge fails every queued submission with errors.ErrPoolClosed and returns
// how many were dropped. Running work is unaffected.
func (p *Pool) Purge() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queue.Len()
	for e := p.queue.Front(); e != nil; e = p.queue.Front() {
		w := p.queue.Remove(e).(*waiter)
		w.granted = true
		w.err = errors.ErrPoolClosed
		close(w.ready)
	}
	if n > 0 {
		p.logger.Info("queue purged", "dropped", n)
	}
	return n
}

// Close purges the queue and rejects further submissions.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Purge()
}

// AgentStats summarizes one session's request counters.
type AgentStats struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Mode           string `json:"mode"`
	ActiveRequests int    `json:"activeRequests"`
	TotalRequests  int    `json:"totalRequests"`
	TotalTokens    int    `json:"totalTokens"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxConcurrency limit.Limit  `json:"maxConcurrency"`
	ActiveSlots    int          `json:"activeSlots"`
	QueueLength    int          `json:"queueLength"`
	MaxQueueSize   limit.Limit  `json:"maxQueueSize"`
	TotalProcessed int64        `json:"totalProcessed"`
	TotalQueued    int64        `json:"totalQueued"`
	TotalRejected  int64        `json:"totalRejected"`
	Agents         []AgentStats `json:"agents"`
}

// Stats returns the pool's counters and per-agent request totals.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		MaxConcurrency: p.maxConcurrency,
		ActiveSlots:    p.active,
		QueueLength:    p.queue.Len(),
		MaxQueueSize:   p.maxQueueSize,
		TotalProcessed: p.totalProcessed,
		TotalQueued:    p.totalQueued,
		TotalRejected:  p.totalRejected,
	}
	p.mu.Unlock()

	sessions := p.sessions.List()
	st.Agents = make([]AgentStats, 0, len(sessions))
	for _, s := range sessions {
		st.Agents = append(st.Agents, AgentStats{
			ID:             s.ID,
			Name:           s.Name,
			Mode:           s.Mode,
			ActiveRequests: s.ActiveRequests,
			TotalRequests:  s.TotalRequests,
			TotalTokens:    s.TotalTokens,
		})
	}
	return st
}

// Sessions returns the registry the pool maintains.
func (p *Pool) Sessions() *session.Registry {
	return p.sessions
}
