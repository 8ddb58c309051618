package inproc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeferRunsAsynchronously(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background()) //nolint:errcheck

	gate := make(chan struct{})
	done := make(chan struct{})

	err := r.Defer("email:send", func(_ context.Context) error {
		<-gate
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}

	// Defer returned while the task is still blocked on the gate: the
	// task did not run in the caller's frame.
	select {
	case <-done:
		t.Fatal("task completed before the gate opened")
	default:
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestDeferredErrorsDoNotPropagate(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background()) //nolint:errcheck

	var ran atomic.Bool
	err := r.Defer("notification:create", func(_ context.Context) error {
		ran.Store(true)
		return errors.New("collaborator down")
	})
	if err != nil {
		t.Fatalf("Defer returned the task's error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			t.Fatal("task never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPanicIsolation(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger(), WithWorkers(1))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background()) //nolint:errcheck

	if err := r.Defer("boom", func(_ context.Context) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	// The single worker survived the panic and still runs later tasks.
	done := make(chan struct{})
	if err := r.Defer("after", func(_ context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive task panic")
	}
}

func TestIntervalTimerFires(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger())

	var mu sync.Mutex
	ticks := 0
	r.Every("announcement:process-scheduled", 20*time.Millisecond, false, func(_ context.Context) error {
		mu.Lock()
		ticks++
		mu.Unlock()
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer fired fewer than 2 times")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRunAtBootFiresImmediately(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger())

	done := make(chan struct{})
	var once sync.Once
	r.Every("maintenance:cleanup-trash", time.Hour, true, func(_ context.Context) error {
		once.Do(func() { close(done) })
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background()) //nolint:errcheck

	// Interval is an hour; the only way this fires now is the boot run.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("boot run never fired")
	}
}

func TestStopRejectsNewTasks(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := r.Defer("late", func(_ context.Context) error { return nil }); err == nil {
		t.Fatal("expected error deferring after Stop")
	}

	// Stop is idempotent.
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	t.Parallel()

	r := NewRunner(testLogger(), WithWorkers(1))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := r.Defer("drain", func(_ context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Defer: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := ran.Load(); got != 5 {
		t.Fatalf("drained %d tasks, want 5", got)
	}
}
