package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/eldavier/Kiro-sub000/internal/errors"
)

// Router sends each completion to the backend registered for opts.Provider.
type Router struct {
	mu       sync.RWMutex
	backends map[Kind]Completer
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[Kind]Completer)}
}

// Register installs (or replaces) the backend for kind.
func (r *Router) Register(kind Kind, c Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = c
}

// Has reports whether a backend is registered for kind.
func (r *Router) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[kind]
	return ok
}

// Available lists registered kinds in name order.
func (r *Router) Available() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Complete implements Completer.
func (r *Router) Complete(ctx context.Context, messages []Message, opts Options) (Response, error) {
	r.mu.RLock()
	c, ok := r.backends[opts.Provider]
	r.mu.RUnlock()
	if !ok {
		return Response{}, errors.NewProviderError(string(opts.Provider), nil).
			WithModel(opts.Model).
			WithMessage("provider not configured")
	}
	return c.Complete(ctx, messages, opts)
}
