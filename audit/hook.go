// Package audit bridges lifecycle events to an audit trail backend. Each
// event becomes a structured record through the injected [Recorder], so
// the substrate never depends on a concrete audit store.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// Compile-time interface checks.
var (
	_ hook.Hook          = (*Hook)(nil)
	_ hook.JobEnqueued   = (*Hook)(nil)
	_ hook.JobStarted    = (*Hook)(nil)
	_ hook.JobCompleted  = (*Hook)(nil)
	_ hook.JobFailed     = (*Hook)(nil)
	_ hook.JobRetrying   = (*Hook)(nil)
	_ hook.ScheduleFired = (*Hook)(nil)
	_ hook.Shutdown      = (*Hook)(nil)
)

// AuditEvent is one fully-formed audit record.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Recorder is the interface audit backends implement. It is defined
// locally so this package does not import any particular audit store —
// callers inject the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder returns a Recorder that writes audit events to a logger.
// Useful as a default backend when the application has no audit store.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(_ context.Context, event *AuditEvent) error {
		logger.Info("audit event",
			slog.String("action", event.Action),
			slog.String("resource", event.Resource),
			slog.String("resource_id", event.ResourceID),
			slog.String("outcome", event.Outcome),
			slog.String("severity", event.Severity),
			slog.Any("metadata", event.Metadata),
		)
		return nil
	})
}

// Option configures a Hook.
type Option func(*Hook)

// WithActions restricts the hook to emit only the listed actions. By
// default every action is enabled. Unknown actions are silently ignored.
func WithActions(actions ...string) Option {
	return func(h *Hook) {
		h.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			h.enabled[a] = true
		}
	}
}

// WithLogger sets a custom logger for recording failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hook) { h.logger = l }
}

// Hook turns lifecycle events into audit records.
type Hook struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates a Hook that emits audit events through the given Recorder.
func New(r Recorder, opts ...Option) *Hook {
	h := &Hook{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements hook.Hook.
func (h *Hook) Name() string { return "audit" }

// OnJobEnqueued implements hook.JobEnqueued.
func (h *Hook) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"queue", j.Queue,
	)
}

// OnJobStarted implements hook.JobStarted.
func (h *Hook) OnJobStarted(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"queue", j.Queue,
		"worker_id", j.WorkerID.String(),
	)
}

// OnJobCompleted implements hook.JobCompleted.
func (h *Hook) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return h.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"queue", j.Queue,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements hook.JobFailed.
func (h *Hook) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return h.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"job_type", j.Type,
		"queue", j.Queue,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
	)
}

// OnJobRetrying implements hook.JobRetrying.
func (h *Hook) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	return h.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"queue", j.Queue,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnScheduleFired implements hook.ScheduleFired.
func (h *Hook) OnScheduleFired(ctx context.Context, scheduleKey string, jobID id.JobID) error {
	return h.record(ctx, ActionScheduleFired, SeverityInfo, OutcomeSuccess,
		ResourceSchedule, scheduleKey, CategorySchedule, nil,
		"job_id", jobID.String(),
	)
}

// OnShutdown implements hook.Shutdown.
func (h *Hook) OnShutdown(ctx context.Context) error {
	return h.record(ctx, ActionShutdown, SeverityInfo, OutcomeSuccess,
		ResourceEngine, "", CategoryEngine, nil,
	)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (h *Hook) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if h.enabled != nil && !h.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := h.recorder.Record(ctx, evt); recErr != nil {
		h.logger.Warn("audit: failed to record event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
