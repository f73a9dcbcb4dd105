// Package metrics exposes execution-core instruments through OpenTelemetry
// with a Prometheus exporter. A nil *Recorder is valid and records nothing,
// so components take one as an optional dependency.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/eldavier/Kiro-sub000"

// Common attribute keys.
var (
	AttrOutcome   = attribute.Key("outcome")
	AttrStatus    = attribute.Key("status")
	AttrTier      = attribute.Key("tier")
	AttrMode      = attribute.Key("mode")
	AttrProvider  = attribute.Key("provider")
	AttrDirection = attribute.Key("direction")
)

// PoolStatsFunc reports the pool's live occupancy for the gauges.
type PoolStatsFunc func() (active, queued int64)

// Recorder owns the instruments of one MeterProvider.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	poolSubmissions metric.Int64Counter
	poolQueueWait   metric.Float64Histogram
	poolWork        metric.Float64Histogram
	events          metric.Int64Counter
	eventsDropped   metric.Int64Counter
	pipelines       metric.Int64Counter
	tasks           metric.Int64Counter
	commands        metric.Int64Counter
	tokens          metric.Int64Counter
	activeGauge     metric.Int64ObservableGauge
	queueGauge      metric.Int64ObservableGauge

	mu        sync.Mutex
	poolStats PoolStatsFunc
}

// New builds a MeterProvider backed by a private Prometheus registry and
// creates every instrument. Handler serves the registry in OpenMetrics form.
func New(ctx context.Context, serviceName string) (*Recorder, error) {
	if serviceName == "" {
		serviceName = "kiro"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	r := &Recorder{
		provider: mp,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	if err := r.init(mp.Meter(meterName)); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init(m metric.Meter) error {
	var err error
	if r.poolSubmissions, err = m.Int64Counter("kiro_pool_submissions_total",
		metric.WithDescription("Work submitted to the execution pool by outcome (immediate, queued, rejected)")); err != nil {
		return err
	}
	if r.poolQueueWait, err = m.Float64Histogram("kiro_pool_queue_wait_seconds",
		metric.WithDescription("Time queued work waited for a slot"), metric.WithUnit("s")); err != nil {
		return err
	}
	if r.poolWork, err = m.Float64Histogram("kiro_pool_work_duration_seconds",
		metric.WithDescription("Time work held a slot"), metric.WithUnit("s")); err != nil {
		return err
	}
	if r.events, err = m.Int64Counter("kiro_activity_events_total",
		metric.WithDescription("Activity events emitted by status")); err != nil {
		return err
	}
	if r.eventsDropped, err = m.Int64Counter("kiro_activity_dropped_total",
		metric.WithDescription("Activity deliveries dropped because a subscriber was full")); err != nil {
		return err
	}
	if r.pipelines, err = m.Int64Counter("kiro_pipelines_total",
		metric.WithDescription("Pipelines finished by terminal status")); err != nil {
		return err
	}
	if r.tasks, err = m.Int64Counter("kiro_tasks_total",
		metric.WithDescription("Dispatched tasks finished by terminal status and tier")); err != nil {
		return err
	}
	if r.commands, err = m.Int64Counter("kiro_commands_total",
		metric.WithDescription("Commands decided or finished by status")); err != nil {
		return err
	}
	if r.tokens, err = m.Int64Counter("kiro_completion_tokens_total",
		metric.WithDescription("Tokens consumed by completions")); err != nil {
		return err
	}
	if r.activeGauge, err = m.Int64ObservableGauge("kiro_pool_active_slots",
		metric.WithDescription("Execution pool slots in use")); err != nil {
		return err
	}
	if r.queueGauge, err = m.Int64ObservableGauge("kiro_pool_queue_length",
		metric.WithDescription("Work waiting for an execution pool slot")); err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.Lock()
		fn := r.poolStats
		r.mu.Unlock()
		if fn == nil {
			return nil
		}
		active, queued := fn()
		o.ObserveInt64(r.activeGauge, active)
		o.ObserveInt64(r.queueGauge, queued)
		return nil
	}, r.activeGauge, r.queueGauge)
	return err
}

// Handler serves /metrics. It is nil for a nil Recorder.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return r.handler
}

// Shutdown flushes and stops the MeterProvider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// ObservePool registers the pool occupancy source for the gauges.
func (r *Recorder) ObservePool(fn PoolStatsFunc) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.poolStats = fn
	r.mu.Unlock()
}

// PoolSubmission counts one submission with outcome immediate, queued or rejected.
func (r *Recorder) PoolSubmission(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.poolSubmissions.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// PoolQueueWait records how long work waited for a slot.
func (r *Recorder) PoolQueueWait(ctx context.Context, d time.Duration) {
	if r == nil {
		return
	}
	r.poolQueueWait.Record(ctx, d.Seconds())
}

// PoolWork records how long work held a slot.
func (r *Recorder) PoolWork(ctx context.Context, d time.Duration) {
	if r == nil {
		return
	}
	r.poolWork.Record(ctx, d.Seconds())
}

// ActivityEvent counts one emitted activity event.
func (r *Recorder) ActivityEvent(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.events.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// ActivityDropped counts one delivery dropped for a slow subscriber.
func (r *Recorder) ActivityDropped(ctx context.Context) {
	if r == nil {
		return
	}
	r.eventsDropped.Add(ctx, 1)
}

// PipelineFinished counts a pipeline reaching a terminal status.
func (r *Recorder) PipelineFinished(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.pipelines.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// TaskFinished counts a dispatched task reaching a terminal status.
func (r *Recorder) TaskFinished(ctx context.Context, status, tier string) {
	if r == nil {
		return
	}
	r.tasks.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status), AttrTier.String(tier)))
}

// Command counts a command entering a decided or finished status.
func (r *Recorder) Command(ctx context.Context, status, mode string) {
	if r == nil {
		return
	}
	r.commands.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status), AttrMode.String(mode)))
}

// Tokens adds completion token usage for a provider.
func (r *Recorder) Tokens(ctx context.Context, provider string, input, output int) {
	if r == nil {
		return
	}
	r.tokens.Add(ctx, int64(input), metric.WithAttributes(AttrProvider.String(provider), AttrDirection.String("input")))
	r.tokens.Add(ctx, int64(output), metric.WithAttributes(AttrProvider.String(provider), AttrDirection.String("output")))
}
