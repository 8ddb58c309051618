package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

type captureRecorder struct {
	events []*AuditEvent
	err    error
}

func (c *captureRecorder) Record(_ context.Context, event *AuditEvent) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Type:        "email:send",
		Queue:       "email",
		Attempts:    5,
		MaxAttempts: 5,
	}
}

func TestHookRecordsJobLifecycle(t *testing.T) {
	t.Parallel()

	rec := &captureRecorder{}
	h := New(rec)
	ctx := context.Background()
	j := newTestJob()

	_ = h.OnJobEnqueued(ctx, j)
	_ = h.OnJobStarted(ctx, j)
	_ = h.OnJobCompleted(ctx, j, 5*time.Millisecond)
	_ = h.OnJobRetrying(ctx, j, 1, time.Now())
	_ = h.OnJobFailed(ctx, j, errors.New("smtp down"))

	if len(rec.events) != 5 {
		t.Fatalf("recorded %d events, want 5", len(rec.events))
	}

	failed := rec.events[4]
	if failed.Action != ActionJobFailed {
		t.Fatalf("last action = %q, want %q", failed.Action, ActionJobFailed)
	}
	if failed.Outcome != OutcomeFailure || failed.Severity != SeverityCritical {
		t.Fatalf("failed event outcome/severity = %q/%q", failed.Outcome, failed.Severity)
	}
	if failed.Reason != "smtp down" {
		t.Fatalf("failed event reason = %q", failed.Reason)
	}
	if failed.Metadata["queue"] != "email" {
		t.Fatalf("failed event queue metadata = %v", failed.Metadata["queue"])
	}
}

func TestHookActionFilter(t *testing.T) {
	t.Parallel()

	rec := &captureRecorder{}
	h := New(rec, WithActions(ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	_ = h.OnJobEnqueued(ctx, j)
	_ = h.OnJobCompleted(ctx, j, time.Millisecond)
	_ = h.OnJobFailed(ctx, j, errors.New("smtp down"))

	if len(rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.events))
	}
	if rec.events[0].Action != ActionJobFailed {
		t.Fatalf("action = %q, want %q", rec.events[0].Action, ActionJobFailed)
	}
}

func TestHookRecorderFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	rec := &captureRecorder{err: errors.New("audit store down")}
	h := New(rec, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if err := h.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("recorder failure propagated: %v", err)
	}
}

func TestHookScheduleAndShutdownEvents(t *testing.T) {
	t.Parallel()

	rec := &captureRecorder{}
	h := New(rec)

	_ = h.OnScheduleFired(context.Background(), "sched:trash-cleanup", id.NewJobID())
	_ = h.OnShutdown(context.Background())

	if len(rec.events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(rec.events))
	}
	if rec.events[0].ResourceID != "sched:trash-cleanup" {
		t.Fatalf("schedule event resource id = %q", rec.events[0].ResourceID)
	}
	if rec.events[1].Category != CategoryEngine {
		t.Fatalf("shutdown event category = %q", rec.events[1].Category)
	}
}

func TestSlogRecorder(t *testing.T) {
	t.Parallel()

	r := SlogRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Record(context.Background(), &AuditEvent{Action: ActionJobEnqueued}); err != nil {
		t.Fatalf("SlogRecorder: %v", err)
	}
}
