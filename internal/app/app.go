// Package app builds the execution core from a Config. It is the only place
// where components are constructed and wired to each other.
package app

import (
	"context"
	"net/http"

	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eldavier/Kiro-sub000/internal/audit"
	"github.com/eldavier/Kiro-sub000/internal/command"
	"github.com/eldavier/Kiro-sub000/internal/config"
	"github.com/eldavier/Kiro-sub000/internal/dispatch"
	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/httpapi"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
	"github.com/eldavier/Kiro-sub000/internal/pool"
	"github.com/eldavier/Kiro-sub000/internal/provider"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Metrics    *metrics.Recorder
	Sessions   *session.Registry
	Pool       *pool.Pool
	Bus        *event.Bus
	Completer  provider.Completer
	Dispatcher *dispatch.Dispatcher
	Pipelines  *pipeline.Orchestrator
	Commands   *command.Engine
	Audit      *audit.Sink

	ownsLogger  bool
	detachAudit func()
}

// Option customizes New. Options exist for tests and embedding; the CLI uses
// none.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *logging.Logger
	completer provider.Completer
	executor  command.Executor
}

// WithLogger uses l instead of building a logger from cfg.Logging.
func WithLogger(l *logging.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithCompleter replaces the provider router.
func WithCompleter(c provider.Completer) Option {
	return func(o *buildOptions) { o.completer = c }
}

// WithExecutor replaces the shell executor of the command engine.
func WithExecutor(x command.Executor) Option {
	return func(o *buildOptions) { o.executor = x }
}

// New validates cfg and constructs the core.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, Logger: bo.logger}
	if a.Logger == nil {
		l, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		a.Logger = l
		a.ownsLogger = true
	}

	if cfg.Server.Metrics {
		m, err := metrics.New(ctx, "kiro")
		if err != nil {
			_ = a.closeLogger()
			return nil, errors.Wrap(err, "create metrics")
		}
		a.Metrics = m
	}

	a.Sessions = session.NewRegistry()
	a.Pool = pool.New(
		pool.WithMaxConcurrency(cfg.Pool.MaxConcurrency),
		pool.WithMaxQueueSize(cfg.Pool.MaxQueueSize),
		pool.WithSessions(a.Sessions),
		pool.WithLogger(a.Logger),
		pool.WithMetrics(a.Metrics),
	)
	a.Bus = event.NewBus(
		event.WithMaxEvents(cfg.Activity.MaxEvents),
		event.WithSubscriberBuffer(cfg.Activity.SubscriberBuffer),
		event.WithSessions(a.Sessions),
		event.WithLogger(a.Logger),
		event.WithMetrics(a.Metrics),
	)

	a.Completer = bo.completer
	if a.Completer == nil {
		a.Completer = NewRouter(cfg, a.Logger)
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithMaxParallelCoders(cfg.Pipeline.MaxParallelCoders),
		dispatch.WithMaxTokens(cfg.Pipeline.CodeMaxTokens),
		dispatch.WithLogger(a.Logger),
		dispatch.WithMetrics(a.Metrics),
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithDefaultProvider(provider.Kind(cfg.Pipeline.DefaultProvider)),
		pipeline.WithModels(func(kind provider.Kind, tier dispatch.Tier) string {
			return cfg.ModelFor(string(kind), string(tier))
		}),
		pipeline.WithMaxTokens(cfg.Pipeline.AnalysisMaxTokens, cfg.Pipeline.PlanMaxTokens),
		pipeline.WithLogger(a.Logger),
		pipeline.WithMetrics(a.Metrics),
	}
	if t := cfg.Pipeline.Temperature; t >= 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithTemperature(t))
		pipelineOpts = append(pipelineOpts, pipeline.WithTemperature(t))
	}
	a.Dispatcher = dispatch.New(a.Pool, a.Completer, a.Bus, dispatchOpts...)

	orch, err := pipeline.New(pipeline.Config{
		Pool:       a.Pool,
		Completer:  a.Completer,
		Bus:        a.Bus,
		Dispatcher: a.Dispatcher,
	}, pipelineOpts...)
	if err != nil {
		a.shutdownPartial(ctx)
		return nil, err
	}
	a.Pipelines = orch

	global, agents, err := commandPolicy(cfg.Commands)
	if err != nil {
		a.shutdownPartial(ctx)
		return nil, err
	}
	cmdOpts := []command.Option{
		command.WithGlobalMode(global),
		command.WithAgentPolicies(agents),
		command.WithShell(cfg.Commands.Shell),
		command.WithDefaultTimeout(cfg.Commands.DefaultTimeout),
		command.WithMaxHistory(cfg.Commands.MaxHistory),
		command.WithMaxOutputBytes(cfg.Commands.MaxOutputBytes),
		command.WithDenyList(cfg.Commands.DenyList),
		command.WithBus(a.Bus),
		command.WithLogger(a.Logger),
		command.WithMetrics(a.Metrics),
	}
	if bo.executor != nil {
		cmdOpts = append(cmdOpts, command.WithExecutor(bo.executor))
	}
	a.Commands = command.NewEngine(cmdOpts...)

	if cfg.Audit.Enabled {
		sink, err := audit.Open(ctx, cfg.Audit.AuditPath(), a.Logger)
		if err != nil {
			a.shutdownPartial(ctx)
			return nil, err
		}
		a.Audit = sink
		a.detachAudit = sink.Attach(a.Bus)
	}

	a.Logger.Info("core initialized",
		"max_concurrency", cfg.Pool.MaxConcurrency.String(),
		"default_provider", cfg.Pipeline.DefaultProvider,
		"command_mode", cfg.Commands.Mode,
		"audit", cfg.Audit.Enabled,
	)
	return a, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if !cfg.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(cfg.Dir, cfg.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}

// NewRouter registers the stub backend and every remote backend that has
// credentials. Missing credentials are logged, not fatal: requests for that
// provider fail with a ProviderError instead.
func NewRouter(cfg *config.Config, logger *logging.Logger) *provider.Router {
	r := provider.NewRouter()
	r.Register(provider.Stub, provider.NewStub())

	anthropicBackend, err := provider.NewAnthropic(backendConfig(cfg.Providers.Anthropic))
	if err != nil {
		logger.Debug("anthropic backend unavailable", "error", err)
	} else {
		r.Register(provider.Anthropic, anthropicBackend)
	}

	openaiBackend, err := provider.NewOpenAI(backendConfig(cfg.Providers.OpenAI))
	if err != nil {
		logger.Debug("openai backend unavailable", "error", err)
	} else {
		r.Register(provider.OpenAI, openaiBackend)
	}
	return r
}

func backendConfig(pc config.ProviderConfig) provider.BackendConfig {
	return provider.BackendConfig{
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Timeout: pc.Timeout,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   pc.Timeout,
		},
	}
}

func commandPolicy(cfg config.CommandsConfig) (command.Mode, map[string]command.Mode, error) {
	global, err := command.ParseMode(cfg.Mode)
	if err != nil {
		return "", nil, errors.Wrap(errors.ErrInvalidPolicy, err.Error())
	}
	agents := make(map[string]command.Mode, len(cfg.AgentPolicies))
	for agent, raw := range cfg.AgentPolicies {
		m, err := command.ParseMode(raw)
		if err != nil {
			return "", nil, errors.Wrapf(errors.ErrInvalidPolicy, "agent %s: %v", agent, err)
		}
		agents[agent] = m
	}
	return global, agents, nil
}

// Handler builds the HTTP API over the core.
func (a *App) Handler() (http.Handler, error) {
	opts := httpapi.Options{
		Pool:         a.Pool,
		Sessions:     a.Sessions,
		Bus:          a.Bus,
		Pipelines:    a.Pipelines,
		Commands:     a.Commands,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
		Logger:       a.Logger,
	}
	if a.Metrics != nil {
		opts.MetricsHandler = a.Metrics.Handler()
		opts.UseOtelHTTP = true
	}
	return httpapi.NewHandler(opts)
}

// ApplyConfig re-applies the settings that can change while running: the
// command approval policy. Other sections need a restart.
func (a *App) ApplyConfig(cfg *config.Config) error {
	global, agents, err := commandPolicy(cfg.Commands)
	if err != nil {
		return err
	}
	if err := a.Commands.ApplyPolicy(global, agents); err != nil {
		return err
	}
	a.Config.Commands.Mode = cfg.Commands.Mode
	a.Config.Commands.AgentPolicies = cfg.Commands.AgentPolicies
	return nil
}

// WatchConfig applies command policy changes whenever v's config file is
// written. Invalid files are logged and ignored.
func (a *App) WatchConfig(v *viper.Viper) {
	config.Watch(v, func(cfg *config.Config, err error) {
		if err != nil {
			a.Logger.Warn("ignoring invalid config change", "error", err)
			return
		}
		if err := a.ApplyConfig(cfg); err != nil {
			a.Logger.Warn("failed to apply config change", "error", err)
			return
		}
		a.Logger.Info("config reloaded", "command_mode", cfg.Commands.Mode)
	})
}

// Close stops launched pipelines, drains the pool and flushes every sink.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Pipelines != nil {
		a.Pipelines.Close()
	}
	if a.Commands != nil {
		a.Commands.DenyAll("shutting down")
	}
	a.Pool.Close()
	if a.detachAudit != nil {
		a.detachAudit()
	}
	a.Bus.Close()
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Logger.Info("core stopped")
	if err := a.closeLogger(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) shutdownPartial(ctx context.Context) {
	if a.Pipelines != nil {
		a.Pipelines.Close()
	}
	a.Pool.Close()
	a.Bus.Close()
	_ = a.Metrics.Shutdown(ctx)
	_ = a.closeLogger()
}

func (a *App) closeLogger() error {
	if !a.ownsLogger {
		return nil
	}
	return a.Logger.Close()
}
