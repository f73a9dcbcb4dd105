// Package event keeps the activity log that dashboards and the CLI follow.
//
// Every Emit appends an Event with the next id to a bounded in-memory log
// and offers it to each subscriber's mailbox. Mailboxes are filled under the
// emit lock, so each subscriber sees events in id order; a goroutine per
// subscriber drains its mailbox into the handler. When a mailbox is full the
// event is dropped for that subscriber only and counted. Delivery is
// best-effort and only reaches subscribers that are live at emit time.
package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/limit"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// Defaults for the log bound and per-subscriber mailbox size.
const (
	DefaultMaxEvents        = 1000
	DefaultSubscriberBuffer = 256
)

// Handler receives events on a subscriber's own goroutine.
type Handler func(Event)

type subscriber struct {
	id      uint64
	mailbox chan Event
	handler Handler
}

// Bus is the activity log plus its live subscribers.
type Bus struct {
	mu        sync.Mutex
	lastID    int64
	log       []Event
	maxEvents limit.Limit
	buffer    int
	subs      map[uint64]*subscriber
	nextSub   uint64
	wg        sync.WaitGroup
	dropped   atomic.Int64

	sessions *session.Registry
	logger   *logging.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxEvents bounds the log. limit.None() keeps every event.
func WithMaxEvents(l limit.Limit) Option {
	return func(b *Bus) { b.maxEvents = l }
}

// WithSubscriberBuffer sets each subscriber's mailbox size.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithSessions sets the registry used to resolve and update emitting agents.
func WithSessions(r *session.Registry) Option {
	return func(b *Bus) { b.sessions = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a Bus keeping the last 1000 events unless overridden.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		maxEvents: limit.Of(DefaultMaxEvents),
		buffer:    DefaultSubscriberBuffer,
		subs:      make(map[uint64]*subscriber),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessions == nil {
		b.sessions = session.NewRegistry()
	}
	if b.logger == nil {
		b.logger = logging.NopLogger()
	}
	b.logger = b.logger.WithComponent("activity")
	return b
}

// Emit appends an event for agentID and broadcasts it. Pipeline, mode and
// agent name default to the agent's session; the session's status and
// last-active time are updated to match.
func (b *Bus) Emit(agentID string, status Status, message string, opts EmitOptions) Event {
	ev := Event{
		PipelineID: opts.PipelineID,
		AgentID:    agentID,
		AgentName:  opts.AgentName,
		Mode:       opts.Mode,
		Status:     status,
		Message:    message,
		Data:       opts.Data,
	}
	if s, ok := b.sessions.Get(agentID); ok {
		if ev.PipelineID == "" {
			ev.PipelineID = s.PipelineID
		}
		if ev.Mode == "" {
			ev.Mode = s.Mode
		}
		if ev.AgentName == "" {
			ev.AgentName = s.Name
		}
	}
	if ev.AgentName == "" {
		ev.AgentName = agentID
	}
	if ev.Mode == "" {
		ev.Mode = session.DefaultMode
	}
	b.mu.Lock()
	b.lastID++
	ev.ID = b.lastID
	// Under the bus lock so the session status follows log order.
	b.sessions.SetStatus(agentID, string(status))
	ev.Timestamp = b.now()
	b.log = append(b.log, ev)
	if n, ok := b.maxEvents.Value(); ok && len(b.log) > n {
		b.log = b.log[len(b.log)-n:]
	}
	var dropped int
	for _, sub := range b.subs {
		select {
		case sub.mailbox <- ev:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	ctx := context.Background()
	b.metrics.ActivityEvent(ctx, string(status))
	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		for range dropped {
			b.metrics.ActivityDropped(ctx)
		}
		b.logger.Warn("activity delivery dropped", "event_id", ev.ID, "subscribers", dropped)
	}
	return ev
}

// Subscribe registers h for every future event and returns a function that
// removes it. Events already in the mailbox are still delivered after
// unsubscribing.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSub++
	sub := &subscriber{id: b.nextSub, mailbox: make(chan Event, b.buffer), handler: h}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.mailbox)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.mailbox {
		b.safeCall(sub.handler, ev)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("activity handler panicked",
				"event_id", ev.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(ev)
}

// Close removes every subscriber and waits for their mailboxes to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.mailbox)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Since returns the retained events with an id greater than id, oldest first.
func (b *Bus) Since(id int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.log), func(i int) bool { return b.log[i].ID > id })
	out := make([]Event, len(b.log)-i)
	copy(out, b.log[i:])
	return out
}

// ForPipeline returns the retained events of one pipeline, oldest first.
func (b *Bus) ForPipeline(pipelineID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.log {
		if ev.PipelineID == pipelineID {
			out = append(out, ev)
		}
	}
	return out
}

// Get returns a retained event by id.
func (b *Bus) Get(id int64) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.log), func(i int) bool { return b.log[i].ID >= id })
	if i < len(b.log) && b.log[i].ID == id {
		return b.log[i], true
	}
	return Event{}, false
}

// Len returns how many events are retained.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// LastID returns the id of the most recent event, or 0.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped on full mailboxes.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
