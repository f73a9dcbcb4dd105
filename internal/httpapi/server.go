// Package httpapi exposes the execution core over JSON and server-sent events.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eldavier/Kiro-sub000/internal/command"
	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
	"github.com/eldavier/Kiro-sub000/internal/pool"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// DefaultMaxBodyBytes caps request bodies when Options leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Options wires the API to the core components. Every component is required
// except MetricsHandler and Logger.
type Options struct {
	Pool      *pool.Pool
	Sessions  *session.Registry
	Bus       *event.Bus
	Pipelines *pipeline.Orchestrator
	Commands  *command.Engine

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// UseOtelHTTP wraps the handler with otelhttp request instrumentation.
	UseOtelHTTP  bool
	MaxBodyBytes int64
	// KeepAlive is the interval between SSE comment pings.
	KeepAlive time.Duration
	Logger    *logging.Logger
}

type api struct {
	pool      *pool.Pool
	sessions  *session.Registry
	bus       *event.Bus
	pipelines *pipeline.Orchestrator
	commands  *command.Engine
	keepAlive time.Duration
	logger    *logging.Logger
}

// NewHandler registers every route and returns the wrapped handler.
func NewHandler(opts Options) (http.Handler, error) {
	switch {
	case opts.Pool == nil:
		return nil, errors.New("httpapi: Pool is required")
	case opts.Sessions == nil:
		return nil, errors.New("httpapi: Sessions is required")
	case opts.Bus == nil:
		return nil, errors.New("httpapi: Bus is required")
	case opts.Pipelines == nil:
		return nil, errors.New("httpapi: Pipelines is required")
	case opts.Commands == nil:
		return nil, errors.New("httpapi: Commands is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	a := &api{
		pool:      opts.Pool,
		sessions:  opts.Sessions,
		bus:       opts.Bus,
		pipelines: opts.Pipelines,
		commands:  opts.Commands,
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger.WithComponent("httpapi"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("GET /stream", a.stream)
	mux.HandleFunc("GET /activity", a.activity)
	mux.HandleFunc("GET /pool/stats", a.poolStats)

	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", a.deleteSession)

	mux.HandleFunc("GET /pipelines", a.listPipelines)
	mux.HandleFunc("POST /pipelines", a.createPipeline)
	mux.HandleFunc("GET /pipelines/{id}", a.getPipeline)
	mux.HandleFunc("DELETE /pipelines/{id}", a.deletePipeline)

	mux.HandleFunc("POST /commands", a.submitCommand)
	mux.HandleFunc("GET /commands/pending", a.pendingCommands)
	mux.HandleFunc("GET /commands/history", a.commandHistory)
	mux.HandleFunc("GET /commands/{id}", a.getCommand)
	mux.HandleFunc("POST /commands/{id}/approve", a.approveCommand)
	mux.HandleFunc("POST /commands/{id}/deny", a.denyCommand)
	mux.HandleFunc("POST /commands/{id}/cancel", a.cancelCommand)
	mux.HandleFunc("POST /commands/approve-all", a.approveAll)
	mux.HandleFunc("POST /commands/deny-all", a.denyAll)
	mux.HandleFunc("GET /commands/policy", a.getPolicy)
	mux.HandleFunc("PUT /commands/policy", a.putPolicy)
	mux.HandleFunc("GET /commands/policy/{agent}", a.getAgentPolicy)
	mux.HandleFunc("PUT /commands/policy/{agent}", a.putAgentPolicy)
	mux.HandleFunc("DELETE /commands/policy/{agent}", a.deleteAgentPolicy)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(opts.MaxBodyBytes, handler)
	handler = a.requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "kiro")
	}
	return handler, nil
}

// NewServer returns an http.Server with conservative timeouts. WriteTimeout
// is left unset so /stream can stay open.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// bodyLimitMiddleware caps POST, PUT and PATCH bodies.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code and forwards Flush for SSE.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *api) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends {"error": message} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errors.ErrSessionNotFound),
		errors.Is(err, errors.ErrPipelineNotFound),
		errors.Is(err, errors.ErrCommandNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrNotPending):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrInvalidPolicy):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrQueueFull), errors.Is(err, errors.ErrPoolClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return errors.NewValidationError("invalid json").WithCause(err)
	}
	return nil
}
