package pipeline

import (
	"github.com/eldavier/Kiro-sub000/internal/dispatch"
	"github.com/eldavier/Kiro-sub000/internal/logging"
	"github.com/eldavier/Kiro-sub000/internal/metrics"
	"github.com/eldavier/Kiro-sub000/internal/provider"
)

// ModelResolver names the model a provider uses for a tier. An empty result
// leaves the choice to the backend.
type ModelResolver func(kind provider.Kind, tier dispatch.Tier) string

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDefaultProvider sets the provider of requests that name none.
func WithDefaultProvider(kind provider.Kind) Option {
	return func(o *Orchestrator) { o.defaultProvider = kind }
}

// WithModels sets the tier to model mapping.
func WithModels(r ModelResolver) Option {
	return func(o *Orchestrator) { o.models = r }
}

// WithMaxTokens sets the completion budgets of the analysis and plan phases.
func WithMaxTokens(analysis, plan int) Option {
	return func(o *Orchestrator) {
		if analysis > 0 {
			o.analysisMaxTokens = analysis
		}
		if plan > 0 {
			o.planMaxTokens = plan
		}
	}
}

// WithTemperature sets the sampling temperature of the analysis and plan
// phases.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = &t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator replaces the pipeline id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}
