// Package session tracks per-agent state for the lifetime of the process.
//
// A Session is created lazily the first time an agent id is seen and is only
// removed explicitly. The execution pool is the sole writer of the request
// counters; the activity bus updates status and last-active time.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/provider"
)

// DefaultMode is the role tag of a session created without one.
const DefaultMode = "agent"

// Session is a snapshot of one agent's state.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActiveAt   time.Time     `json:"lastActiveAt"`
	ActiveRequests int           `json:"activeRequests"`
	TotalRequests  int           `json:"totalRequests"`
	InputTokens    int           `json:"inputTokens"`
	OutputTokens   int           `json:"outputTokens"`
	TotalTokens    int           `json:"totalTokens"`
	Model          string        `json:"model,omitempty"`
	Provider       provider.Kind `json:"provider,omitempty"`
	PipelineID     string        `json:"pipelineId,omitempty"`
	Mode           string        `json:"mode"`
	Skills         []string      `json:"skills,omitempty"`
	Status         string        `json:"status"`
}

func (s *Session) clone() Session {
	out := *s
	out.Skills = append([]string(nil), s.Skills...)
	return out
}

// Option sets a mutable field on GetOrCreate.
type Option func(*Session)

// WithName sets the display name.
func WithName(name string) Option {
	return func(s *Session) {
		if name != "" {
			s.Name = name
		}
	}
}

// WithModel tags the session with the model it talks to.
func WithModel(model string) Option {
	return func(s *Session) {
		if model != "" {
			s.Model = model
		}
	}
}

// WithProvider resolves the session's provider. It is fixed for every request
// the session makes afterwards.
func WithProvider(kind provider.Kind) Option {
	return func(s *Session) {
		if kind != "" {
			s.Provider = kind
		}
	}
}

// WithMode sets the role tag (analyser, planner, coder, ...).
func WithMode(mode string) Option {
	return func(s *Session) {
		if mode != "" {
			s.Mode = mode
		}
	}
}

// WithPipeline associates the session with a pipeline.
func WithPipeline(pipelineID string) Option {
	return func(s *Session) {
		if pipelineID != "" {
			s.PipelineID = pipelineID
		}
	}
}

// WithSkills replaces the skill set. Duplicates are dropped and order is normalized.
func WithSkills(skills ...string) Option {
	return func(s *Session) {
		set := make(map[string]struct{}, len(skills))
		out := make([]string, 0, len(skills))
		for _, sk := range skills {
			sk = strings.TrimSpace(sk)
			if _, dup := set[sk]; sk == "" || dup {
				continue
			}
			set[sk] = struct{}{}
			out = append(out, sk)
		}
		sort.Strings(out)
		s.Skills = out
	}
}

// Registry is the in-memory set of sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// GetOrCreateE returns the session for id, creating it if needed. Options are
// applied on every call; counters are never reset.
func (r *Registry) GetOrCreateE(id string, opts ...Option) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, errors.NewValidationError("session id must not be empty").WithField("id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		now := r.now()
		s = &Session{
			ID:           id,
			Name:         id,
			CreatedAt:    now,
			LastActiveAt: now,
			Mode:         DefaultMode,
			Status:       "idle",
		}
		r.sessions[id] = s
	}
	for _, opt := range opts {
		opt(s)
	}
	return s.clone(), nil
}

// GetOrCreate is GetOrCreateE for callers that always supply an id. An empty
// id yields the zero Session and registers nothing.
func (r *Registry) GetOrCreate(id string, opts ...Option) Session {
	s, _ := r.GetOrCreateE(id, opts...)
	return s
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Remove deletes the session, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// List returns snapshots of every session ordered by creation time, then id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// update applies fn to the session, creating it first if needed.
func (r *Registry) update(id string, fn func(*Session)) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		now := r.now()
		s = &Session{ID: id, Name: id, CreatedAt: now, Mode: DefaultMode, Status: "idle"}
		r.sessions[id] = s
	}
	fn(s)
}

// BeginRequest marks one request as running for the session.
func (r *Registry) BeginRequest(id string) {
	r.update(id, func(s *Session) {
		s.ActiveRequests++
		s.LastActiveAt = r.now()
	})
}

// EndRequest marks one running request as finished and counts it.
func (r *Registry) EndRequest(id string) {
	r.update(id, func(s *Session) {
		if s.ActiveRequests > 0 {
			s.ActiveRequests--
		}
		s.TotalRequests++
		s.LastActiveAt = r.now()
	})
}

// RecordUsage adds token usage to the session's totals.
func (r *Registry) RecordUsage(id string, input, output int) {
	r.update(id, func(s *Session) {
		s.InputTokens += input
		s.OutputTokens += output
		s.TotalTokens += input + output
	})
}

// SetStatus records the latest human-readable status and touches the session.
func (r *Registry) SetStatus(id, status string) {
	r.update(id, func(s *Session) {
		s.Status = status
		s.LastActiveAt = r.now()
	})
}

// Touch updates the session's last-active time.
func (r *Registry) Touch(id string) {
	r.update(id, func(s *Session) { s.LastActiveAt = r.now() })
}

// ActiveAgents returns the ids of sessions with at least one running request.
func (r *Registry) ActiveAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, s := range r.sessions {
		if s.ActiveRequests > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
