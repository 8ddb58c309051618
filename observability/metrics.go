// Package observability provides a lifecycle metrics hook. Where the
// middleware metrics cover handler execution, this hook counts lifecycle
// transitions across the whole substrate: enqueues, starts, completions,
// failures, retries and schedule firings.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/devstarkedge/conveyor/observability"

// Compile-time interface checks.
var (
	_ hook.Hook          = (*MetricsHook)(nil)
	_ hook.JobEnqueued   = (*MetricsHook)(nil)
	_ hook.JobStarted    = (*MetricsHook)(nil)
	_ hook.JobCompleted  = (*MetricsHook)(nil)
	_ hook.JobFailed     = (*MetricsHook)(nil)
	_ hook.JobRetrying   = (*MetricsHook)(nil)
	_ hook.ScheduleFired = (*MetricsHook)(nil)
)

// MetricsHook records lifecycle counters via OTel. Register it with the
// hook registry to track enqueue rates, completion and failure counts,
// retry counts and schedule firings, broken down by queue and job type.
type MetricsHook struct {
	enqueued  metric.Int64Counter
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	fired     metric.Int64Counter
}

// NewMetricsHook creates a MetricsHook on the global OTel MeterProvider.
// Without a configured provider the instruments are noops.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	h := &MetricsHook{}

	// On error the API returns noop instruments, so the hook degrades
	// gracefully.
	h.enqueued, _ = meter.Int64Counter("conveyor.jobs.enqueued",
		metric.WithDescription("Jobs accepted for execution"),
		metric.WithUnit("{job}"),
	)
	h.started, _ = meter.Int64Counter("conveyor.jobs.started",
		metric.WithDescription("Job executions started"),
		metric.WithUnit("{job}"),
	)
	h.completed, _ = meter.Int64Counter("conveyor.jobs.completed",
		metric.WithDescription("Jobs completed successfully"),
		metric.WithUnit("{job}"),
	)
	h.failed, _ = meter.Int64Counter("conveyor.jobs.failed",
		metric.WithDescription("Jobs failed terminally"),
		metric.WithUnit("{job}"),
	)
	h.retried, _ = meter.Int64Counter("conveyor.jobs.retried",
		metric.WithDescription("Job attempts scheduled for retry"),
		metric.WithUnit("{attempt}"),
	)
	h.fired, _ = meter.Int64Counter("conveyor.schedules.fired",
		metric.WithDescription("Repeatable schedule firings"),
		metric.WithUnit("{firing}"),
	)
	return h
}

// Name implements hook.Hook.
func (m *MetricsHook) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("job_type", j.Type),
		attribute.String("queue", j.Queue),
	)
}

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsHook) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements hook.JobStarted.
func (m *MetricsHook) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsHook) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.completed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsHook) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsHook) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnScheduleFired implements hook.ScheduleFired.
func (m *MetricsHook) OnScheduleFired(ctx context.Context, scheduleKey string, _ id.JobID) error {
	m.fired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule_key", scheduleKey),
	))
	return nil
}
