// Package inproc provides the in-process execution substrate used when
// the broker is unavailable. Tasks are deferred onto a bounded queue and
// run by a small worker pool; nothing ever executes synchronously in the
// caller's frame, and a task failure is caught and logged rather than
// surfaced to the caller, which has already moved on.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/devstarkedge/conveyor"
)

// TaskFunc is a unit of deferred work.
type TaskFunc func(ctx context.Context) error

type namedTask struct {
	name string
	fn   TaskFunc
}

type timer struct {
	name      string
	interval  time.Duration
	runAtBoot bool
	fn        TaskFunc
}

// Runner executes deferred tasks in-process. It also drives local
// interval timers that stand in for repeatable schedules while the
// broker is down.
type Runner struct {
	workers   int
	queueSize int
	logger    *slog.Logger

	tasks  chan namedTask
	timers []timer

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the number of task worker goroutines.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithQueueSize sets the deferred-task queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Runner) { r.queueSize = n }
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		workers:   4,
		queueSize: 256,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tasks = make(chan namedTask, r.queueSize)
	return r
}

// Defer queues a task for asynchronous execution. It returns once the
// task is accepted; the task itself runs later on a worker goroutine.
// Errors and panics inside the task are logged, never returned to the
// caller.
func (r *Runner) Defer(name string, fn TaskFunc) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return conveyor.ErrRunnerStopped
	}
	r.mu.Unlock()

	select {
	case r.tasks <- namedTask{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("inproc: task queue full, dropping %q", name)
	}
}

// Every registers a local interval timer that defers fn on each tick.
// When runAtBoot is set the first run is deferred immediately at Start.
// Timers must be registered before Start.
func (r *Runner) Every(name string, interval time.Duration, runAtBoot bool, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers = append(r.timers, timer{name: name, interval: interval, runAtBoot: runAtBoot, fn: fn})
}

// Start launches the worker pool and interval timers.
func (r *Runner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	for _, t := range r.timers {
		r.wg.Add(1)
		go r.timerLoop(t)
	}

	r.logger.Info("in-process runner started",
		slog.Int("workers", r.workers),
		slog.Int("timers", len(r.timers)),
	)
	return nil
}

// Stop rejects new tasks, then waits for queued and in-flight tasks to
// drain, bounded by the context deadline.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("in-process runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("in-process runner drain timed out")
		return ctx.Err()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			// Drain what was accepted before stop, then exit.
			for {
				select {
				case t := <-r.tasks:
					r.execute(t)
				default:
					return
				}
			}
		case t := <-r.tasks:
			r.execute(t)
		}
	}
}

// execute runs one task behind a panic/error boundary. A failing task
// cannot crash the runner or reach the original caller.
func (r *Runner) execute(t namedTask) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("deferred task panicked",
				slog.String("task", t.name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := t.fn(context.Background()); err != nil {
		r.logger.Error("deferred task failed",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) timerLoop(t timer) {
	defer r.wg.Done()

	if t.runAtBoot {
		r.deferTick(t)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.deferTick(t)
		}
	}
}

func (r *Runner) deferTick(t timer) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	select {
	case r.tasks <- namedTask{name: t.name, fn: t.fn}:
	default:
		r.logger.Warn("interval tick dropped, queue full", slog.String("task", t.name))
	}
}
