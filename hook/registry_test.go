package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// ──────────────────────────────────────────────────
// Test hooks
// ──────────────────────────────────────────────────

// allEventsHook implements every lifecycle event for testing.
type allEventsHook struct {
	calls []string
}

func (h *allEventsHook) Name() string { return "all-events" }

func (h *allEventsHook) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	h.calls = append(h.calls, "OnJobEnqueued")
	return nil
}

func (h *allEventsHook) OnJobStarted(_ context.Context, _ *job.Job) error {
	h.calls = append(h.calls, "OnJobStarted")
	return nil
}

func (h *allEventsHook) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	h.calls = append(h.calls, "OnJobCompleted")
	return nil
}

func (h *allEventsHook) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	h.calls = append(h.calls, "OnJobFailed")
	return nil
}

func (h *allEventsHook) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	h.calls = append(h.calls, "OnJobRetrying")
	return nil
}

func (h *allEventsHook) OnScheduleFired(_ context.Context, _ string, _ id.JobID) error {
	h.calls = append(h.calls, "OnScheduleFired")
	return nil
}

func (h *allEventsHook) OnShutdown(_ context.Context) error {
	h.calls = append(h.calls, "OnShutdown")
	return nil
}

// jobOnlyHook only implements job-related events.
type jobOnlyHook struct {
	calls []string
}

func (h *jobOnlyHook) Name() string { return "job-only" }

func (h *jobOnlyHook) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	h.calls = append(h.calls, "OnJobEnqueued")
	return nil
}

func (h *jobOnlyHook) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	h.calls = append(h.calls, "OnJobCompleted")
	return nil
}

// failingHook returns errors from events.
type failingHook struct{}

func (h *failingHook) Name() string { return "failing" }

func (h *failingHook) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (h *failingHook) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	all := &allEventsHook{}
	r.Register(all)

	if got := len(r.Hooks()); got != 1 {
		t.Fatalf("expected 1 hook, got %d", got)
	}
	if got := r.Hooks()[0].Name(); got != "all-events" {
		t.Fatalf("expected name 'all-events', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	all := &allEventsHook{}
	jobOnly := &jobOnlyHook{}
	r.Register(all)
	r.Register(jobOnly)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: "email:send", Queue: "email"}

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("fail"))
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitScheduleFired(ctx, "sched:trash-cleanup", j.ID)
	r.EmitShutdown(ctx)

	wantAll := []string{
		"OnJobEnqueued", "OnJobStarted", "OnJobCompleted",
		"OnJobFailed", "OnJobRetrying", "OnScheduleFired", "OnShutdown",
	}
	if len(all.calls) != len(wantAll) {
		t.Fatalf("all-events: got %d calls %v, want %d", len(all.calls), all.calls, len(wantAll))
	}
	for i, want := range wantAll {
		if all.calls[i] != want {
			t.Errorf("all-events calls[%d] = %q, want %q", i, all.calls[i], want)
		}
	}

	wantJobOnly := []string{"OnJobEnqueued", "OnJobCompleted"}
	if len(jobOnly.calls) != len(wantJobOnly) {
		t.Fatalf("job-only: got calls %v, want %v", jobOnly.calls, wantJobOnly)
	}
}

func TestRegistry_HookErrorsAreSwallowed(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	r.Register(&failingHook{})
	r.Register(&jobOnlyHook{})

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: "email:send"}

	// Must not panic and must still notify later hooks.
	r.EmitJobEnqueued(ctx, j)
	r.EmitShutdown(ctx)
}

func TestRegistry_RegistrationOrder(t *testing.T) {
	r := hook.NewRegistry(slog.Default())

	var order []string
	first := &orderedHook{name: "first", order: &order}
	second := &orderedHook{name: "second", order: &order}
	r.Register(first)
	r.Register(second)

	r.EmitJobEnqueued(context.Background(), &job.Job{ID: id.NewJobID()})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected notification order: %v", order)
	}
}

type orderedHook struct {
	name  string
	order *[]string
}

func (h *orderedHook) Name() string { return h.name }

func (h *orderedHook) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	*h.order = append(*h.order, h.name)
	return nil
}
