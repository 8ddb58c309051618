// Package engine orchestrates the two execution substrates behind one
// enqueue surface. At startup it probes the broker exactly once: if the
// broker answers, the process runs broker-backed (durable queue, worker
// pool, scheduler, sweeper); if not, it runs fallback-only (in-process
// deferred execution, local interval timers). The decision holds for the
// process lifetime. There is no mid-run promotion: a process that started
// degraded stays degraded until restarted, so operators reason about one
// mode per process.
//
// This package sits above every subsystem package and below the
// application layer, mirroring where the wiring naturally lives in the
// import graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/broker"
	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/inproc"
	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/middleware"
	"github.com/devstarkedge/conveyor/observability"
	"github.com/devstarkedge/conveyor/queue"
	"github.com/devstarkedge/conveyor/retention"
	"github.com/devstarkedge/conveyor/schedule"
	"github.com/devstarkedge/conveyor/store"
	redisstore "github.com/devstarkedge/conveyor/store/redis"
	"github.com/devstarkedge/conveyor/worker"
)

// State is the engine lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateProbing       State = "probing"
	StateBrokerBacked  State = "broker-backed"
	StateFallbackOnly  State = "fallback-only"
	StateShuttingDown  State = "shutting-down"
	StateClosed        State = "closed"
)

// Engine wires the subsystems together and owns their lifecycles.
type Engine struct {
	cfg       conveyor.Config
	brokerCfg broker.Config
	logger    *slog.Logger

	registry     *job.Registry
	queues       *queue.Registry
	hooks        *hook.Registry
	pendingHooks []hook.Hook
	schedules    []*schedule.Definition
	mws          []middleware.Middleware

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	conns *broker.Manager
	store store.Store

	mu    sync.Mutex
	state State

	// Broker-backed subsystems.
	queueManager *queue.Manager
	pool         *worker.Pool
	scheduler    *schedule.Scheduler
	sweeper      *retention.Sweeper

	// Fallback subsystem.
	runner *inproc.Runner
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) { e.pendingHooks = append(e.pendingHooks, h) }
}

// WithMiddleware appends middleware to the execution chain, after the
// default stack.
func WithMiddleware(m middleware.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithSchedules declares the repeatable schedules the engine registers at
// initialization.
func WithSchedules(defs ...*schedule.Definition) Option {
	return func(e *Engine) { e.schedules = append(e.schedules, defs...) }
}

// WithStore pre-wires a persistence backend. The broker probe is skipped
// and the engine initializes broker-backed against the given store. Tests
// use this with the memory store; it also serves embedded setups that
// manage their own Redis client.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTracerProvider sets a custom OTel TracerProvider. When unset the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When unset the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine. Nothing connects or starts until Initialize.
func New(cfg conveyor.Config, brokerCfg broker.Config, registry *job.Registry, queues *queue.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: nil job registry")
	}
	if queues == nil {
		return nil, fmt.Errorf("engine: nil queue registry")
	}

	e := &Engine{
		cfg:       cfg,
		brokerCfg: brokerCfg,
		logger:    slog.Default(),
		registry:  registry,
		queues:    queues,
		state:     StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.hooks = hook.NewRegistry(e.logger)
	for _, h := range e.pendingHooks {
		e.hooks.Register(h)
	}

	// Lifecycle metrics are always on; without a meter provider the
	// instruments are noops.
	if e.meterProvider != nil {
		e.hooks.Register(observability.NewMetricsHookWithMeter(e.meterProvider.Meter("github.com/devstarkedge/conveyor/observability")))
	} else {
		e.hooks.Register(observability.NewMetricsHook())
	}

	e.conns = broker.NewManager(brokerCfg, e.logger)
	return e, nil
}

// Initialize probes the broker once and starts the chosen substrate. It
// returns true when the engine came up broker-backed, false when it fell
// back to in-process execution. Initialization errors are returned only
// for the broker-backed path; a dead broker is a mode decision, not an
// error.
func (e *Engine) Initialize(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: initialize from %q", conveyor.ErrInvalidState, e.state)
	}
	e.state = StateProbing
	e.mu.Unlock()

	if e.store == nil && !e.conns.Probe(ctx, e.cfg.ProbeTimeout) {
		if err := e.startFallback(ctx); err != nil {
			return false, err
		}
		e.logger.Warn("broker unreachable, running fallback-only",
			slog.String("addr", e.conns.Addr()),
		)
		return false, nil
	}

	if err := e.startBrokerBacked(ctx); err != nil {
		return false, err
	}
	e.logger.Info("engine running broker-backed",
		slog.String("addr", e.conns.Addr()),
	)
	return true, nil
}

func (e *Engine) startBrokerBacked(ctx context.Context) error {
	if e.store == nil {
		client, err := e.conns.Client(broker.RoleWorker)
		if err != nil {
			return err
		}
		e.store = redisstore.New(client)
	}

	var tracingMw middleware.Middleware
	if e.tracerProvider != nil {
		tracingMw = middleware.TracingWithTracer(e.tracerProvider.Tracer("github.com/devstarkedge/conveyor"))
	} else {
		tracingMw = middleware.Tracing()
	}
	var metricsMw middleware.Middleware
	if e.meterProvider != nil {
		metricsMw = middleware.MetricsWithMeter(e.meterProvider.Meter("github.com/devstarkedge/conveyor"))
	} else {
		metricsMw = middleware.Metrics()
	}

	mws := []middleware.Middleware{
		middleware.Recover(e.logger),
		tracingMw,
		metricsMw,
		middleware.Logging(e.logger),
		middleware.Timeout(e.logger),
	}
	mws = append(mws, e.mws...)

	executor := worker.NewExecutor(e.registry, e.hooks, e.store, e.queues, e.logger, mws...)
	e.queueManager = queue.NewManager(e.queues)
	e.pool = worker.NewPool(e.store, executor, e.hooks, e.logger,
		worker.WithPoolQueues(e.queues.Names()),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithStaleJobThreshold(e.cfg.StaleActiveThreshold),
		worker.WithQueueManager(e.queueManager),
	)

	enqueueFunc := func(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := e.enqueueBroker(ctx, queueName, jobType, payload, opts...)
		if err != nil {
			return id.JobID{}, err
		}
		e.hooks.EmitScheduleFired(ctx, j.RepeatKey, j.ID)
		return j.ID, nil
	}
	e.scheduler = schedule.NewScheduler(e.store, enqueueFunc, e.pool.WorkerID(), e.logger)

	e.sweeper = retention.NewSweeper(e.store, e.queues.Names(), e.logger,
		retention.WithInterval(e.cfg.SweepInterval),
		retention.WithAge(e.cfg.SweepAge),
		retention.WithBatchSize(e.cfg.SweepBatch),
	)

	if err := e.registerSchedules(ctx); err != nil {
		return err
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	e.mu.Lock()
	e.state = StateBrokerBacked
	e.mu.Unlock()
	return nil
}

func (e *Engine) startFallback(ctx context.Context) error {
	e.runner = inproc.NewRunner(e.logger)

	// Repeatable schedules degrade to local interval timers. Interval
	// expressions come from fixed declarations, so parse failures are
	// programming errors surfaced at startup.
	now := time.Now().UTC()
	for _, def := range e.schedules {
		sched, err := schedule.ParseSpec(def.Spec)
		if err != nil {
			return fmt.Errorf("parse schedule spec %q for %s: %w", def.Spec, def.Key, err)
		}
		interval := sched.Next(now).Sub(now)
		e.runner.Every(def.Key, interval, def.RunAtBoot, e.fallbackTask(def.JobType, def.Payload))
	}

	if err := e.runner.Start(ctx); err != nil {
		return fmt.Errorf("start fallback runner: %w", err)
	}

	e.mu.Lock()
	e.state = StateFallbackOnly
	e.mu.Unlock()
	return nil
}

// registerSchedules declares every schedule against the store. A key that
// already exists means another instance (or a previous run) registered it;
// that is the idempotent success path. A definition flagged RunAtBoot also
// enqueues one immediate one-off job.
func (e *Engine) registerSchedules(ctx context.Context) error {
	now := time.Now().UTC()
	for _, def := range e.schedules {
		sched, err := schedule.ParseSpec(def.Spec)
		if err != nil {
			return fmt.Errorf("parse schedule spec %q for %s: %w", def.Spec, def.Key, err)
		}
		next := sched.Next(now)

		entry := &schedule.Entry{
			Entity:    conveyor.NewEntity(),
			ID:        id.NewScheduleID(),
			Key:       def.Key,
			Spec:      def.Spec,
			JobType:   def.JobType,
			Queue:     def.Queue,
			Payload:   def.Payload,
			NextRunAt: &next,
			Enabled:   true,
		}
		switch regErr := e.store.RegisterSchedule(ctx, entry); {
		case errors.Is(regErr, conveyor.ErrDuplicateSchedule):
			e.logger.Debug("schedule already registered", slog.String("schedule_key", def.Key))
		case regErr != nil:
			return fmt.Errorf("register schedule %s: %w", def.Key, regErr)
		}

		if def.RunAtBoot {
			if _, bootErr := e.enqueueBroker(ctx, def.Queue, def.JobType, def.Payload, job.WithRepeatKey(def.Key)); bootErr != nil {
				e.logger.Error("boot run enqueue failed",
					slog.String("schedule_key", def.Key),
					slog.String("error", bootErr.Error()),
				)
			}
		}
	}
	return nil
}

// Enqueue accepts a job for asynchronous execution on whichever substrate
// the engine runs. A nil error means accepted, never processed.
func (e *Engine) Enqueue(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case StateBrokerBacked:
		return e.enqueueBroker(ctx, queueName, jobType, payload, opts...)
	case StateFallbackOnly:
		return e.enqueueFallback(ctx, queueName, jobType, payload, opts...)
	case StateShuttingDown, StateClosed:
		return nil, conveyor.ErrShuttingDown
	default:
		return nil, conveyor.ErrNotInitialized
	}
}

func (e *Engine) enqueueBroker(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	j, err := e.buildJob(queueName, jobType, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}
	e.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

func (e *Engine) enqueueFallback(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	j, err := e.buildJob(queueName, jobType, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.runner.Defer(jobType, e.fallbackTask(jobType, payload)); err != nil {
		return nil, err
	}
	e.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// buildJob resolves options with the documented precedence (per-call over
// per-queue over global) and produces the job record.
func (e *Engine) buildJob(queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	q, ok := e.queues.Get(queueName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrUnknownQueue, queueName)
	}
	resolved := q.ResolveOptions(opts...)
	if resolved.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: got %d", conveyor.ErrAttemptsInvalid, resolved.MaxAttempts)
	}

	now := time.Now().UTC()
	return &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Queue:       queueName,
		Payload:     payload,
		State:       job.StateWaiting,
		Priority:    resolved.Priority,
		MaxAttempts: resolved.MaxAttempts,
		RepeatKey:   resolved.RepeatKey,
		RunAt:       now.Add(resolved.Delay),
		Timeout:     resolved.Timeout,
	}, nil
}

// fallbackTask wraps a handler dispatch for the in-process runner. The
// runner owns the error and panic boundary; nothing propagates to the
// submitter, which has already moved on.
func (e *Engine) fallbackTask(jobType string, payload []byte) inproc.TaskFunc {
	return func(ctx context.Context) error {
		handler, ok := e.registry.Get(jobType)
		if !ok {
			return fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, jobType)
		}
		return handler(ctx, payload)
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsActive reports whether the engine runs broker-backed. A fallback-only
// engine still accepts work, but reports inactive so operators can alarm
// on a degraded boot; State distinguishes the remaining cases.
func (e *Engine) IsActive() bool {
	return e.State() == StateBrokerBacked
}

// Shutdown drains and stops every running subsystem, then closes the
// broker connections. It is idempotent. Every stop step runs regardless of
// the others' errors; the first error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	prev := e.state
	if prev == StateShuttingDown || prev == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateShuttingDown
	e.mu.Unlock()

	e.hooks.EmitShutdown(ctx)

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()

	var g errgroup.Group
	switch prev {
	case StateBrokerBacked:
		g.Go(func() error { return e.pool.Stop(drainCtx) })
		g.Go(func() error { return e.scheduler.Stop(drainCtx) })
		g.Go(func() error { return e.sweeper.Stop(drainCtx) })
	case StateFallbackOnly:
		g.Go(func() error { return e.runner.Stop(drainCtx) })
	}
	err := g.Wait()

	if e.store != nil {
		if closeErr := e.store.Close(); closeErr != nil {
			e.logger.Warn("store close failed", slog.String("error", closeErr.Error()))
		}
	}
	e.conns.CloseAll()

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()

	e.logger.Info("engine shut down", slog.String("previous_state", string(prev)))
	return err
}

// Registry returns the job registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Queues returns the queue registry.
func (e *Engine) Queues() *queue.Registry { return e.queues }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Store returns the persistence backend, nil before initialization on the
// fallback path.
func (e *Engine) Store() store.Store { return e.store }
