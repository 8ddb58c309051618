// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages per-queue worker goroutines polling for jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/backoff"
	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/middleware"
	"github.com/devstarkedge/conveyor/queue"
)

// Executor runs a single job through middleware and the registered handler,
// then handles retry logic, state updates, retention, and lifecycle events.
type Executor struct {
	registry *job.Registry
	hooks    *hook.Registry
	store    job.Store
	queues   *queue.Registry
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	queues *queue.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		hooks:    hooks,
		store:    store,
		queues:   queues,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success: marks completed, emits JobCompleted.
// On failure with attempts remaining: marks delayed with backoff, emits JobRetrying.
// On failure with attempts exhausted: marks failed, emits JobFailed.
// A job type with no registered handler fails like any handler error, so
// it burns through its attempt budget and lands in the failed records
// where operators can see it.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := time.Now()

	var err error
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		err = fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, j.Type)
	} else {
		terminal := func(ctx context.Context) error {
			return handler(ctx, j.Payload)
		}
		err = e.mw(ctx, j, terminal)
	}
	elapsed := time.Since(start)

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}

	return e.handleSuccess(ctx, j, now, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) error {
	j.Attempts++
	j.State = job.StateCompleted
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.trimQueue(ctx, j.Queue, job.StateCompleted)
	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure increments the attempt counter and either schedules a
// retry or marks the job failed.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.Attempts++
	j.LastError = handlerErr.Error()

	if !j.AttemptsExhausted() {
		return e.scheduleRetry(ctx, j, now)
	}

	return e.markFailed(ctx, j, handlerErr, now)
}

// scheduleRetry sets the job to StateDelayed with a backoff delay. The
// job stays invisible to dequeue until RunAt passes.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, now time.Time) error {
	delay := e.backoffFor(j.Queue).Delay(j.Attempts)
	nextRunAt := now.Add(delay)
	j.RunAt = nextRunAt
	j.State = job.StateDelayed

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobRetrying(ctx, j, j.Attempts, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s attempt %d/%d: %s", j.Type, j.Attempts, j.MaxAttempts, j.LastError)
}

// markFailed records the terminal failure and emits events.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.State = job.StateFailed
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.trimQueue(ctx, j.Queue, job.StateFailed)
	e.hooks.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}

// backoffFor returns the queue's configured backoff strategy, or the
// package default for undeclared queues.
func (e *Executor) backoffFor(queueName string) backoff.Strategy {
	if e.queues != nil {
		if q, ok := e.queues.Get(queueName); ok && q.Defaults.Backoff != nil {
			return q.Defaults.Backoff
		}
	}
	return backoff.DefaultStrategy()
}

// trimQueue applies the queue's retention policy after a terminal write.
func (e *Executor) trimQueue(ctx context.Context, queueName string, state job.State) {
	if e.queues == nil {
		return
	}
	q, ok := e.queues.Get(queueName)
	if !ok {
		return
	}

	ret := q.KeepCompleted
	if state == job.StateFailed {
		ret = q.KeepFailed
	}
	if ret.Count == 0 && ret.Age == 0 {
		return
	}

	removed, err := e.store.TrimFinished(ctx, queueName, state, ret.Count, ret.Age)
	if err != nil {
		e.logger.Warn("retention trim error",
			slog.String("queue", queueName),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		e.logger.Debug("retention trim",
			slog.String("queue", queueName),
			slog.String("state", string(state)),
			slog.Int64("removed", removed),
		)
	}
}
