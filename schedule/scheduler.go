package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs. The
// engine provides the implementation; the indirection keeps this package
// below the engine in the import graph.
type EnqueueFunc func(ctx context.Context, queue, jobType string, payload []byte, opts ...job.Option) (id.JobID, error)

// specParser supports standard 5-field cron plus descriptors like
// "@every 30s".
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSpec parses an interval expression and returns its schedule.
func ParseSpec(expr string) (cronlib.Schedule, error) {
	return specParser.Parse(expr)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// Scheduler fires due schedule entries on a tick loop. Multiple process
// instances may run schedulers against the same store; the per-entry lock
// ensures each firing happens once.
type Scheduler struct {
	store    Store
	enqueue  EnqueueFunc
	workerID id.WorkerID
	logger   *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration

	// parsed caches parsed interval expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, enqueue EnqueueFunc, workerID id.WorkerID, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		enqueue:      enqueue,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *Entry, now time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule_key", entry.Key),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // another instance got it
	}
	defer func() {
		if relErr := s.store.ReleaseScheduleLock(ctx, entry.ID, s.workerID); relErr != nil {
			s.logger.Error("release schedule lock error",
				slog.String("schedule_key", entry.Key),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// Re-check under the lock. Another instance may have fired the entry
	// between our list and our acquire.
	fresh, getErr := s.store.GetSchedule(ctx, entry.ID)
	if getErr != nil {
		return
	}
	if fresh.NextRunAt == nil || fresh.NextRunAt.After(now) {
		return
	}
	entry = fresh

	jobID, enqErr := s.enqueue(ctx, entry.Queue, entry.JobType, entry.Payload, job.WithRepeatKey(entry.Key))
	if enqErr != nil {
		s.logger.Error("schedule enqueue error",
			slog.String("schedule_key", entry.Key),
			slog.String("job_type", entry.JobType),
			slog.String("error", enqErr.Error()),
		)
		return
	}

	entry.LastRunAt = &now
	sched, parseErr := s.getOrParseSpec(entry.Spec)
	if parseErr != nil {
		s.logger.Error("parse schedule spec error",
			slog.String("schedule_key", entry.Key),
			slog.String("spec", entry.Spec),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}

	if updateErr := s.store.UpdateScheduleRun(ctx, entry); updateErr != nil {
		s.logger.Error("update schedule run error",
			slog.String("schedule_key", entry.Key),
			slog.String("error", updateErr.Error()),
		)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_key", entry.Key),
		slog.String("job_type", entry.JobType),
		slog.String("job_id", jobID.String()),
	)
}

func (s *Scheduler) getOrParseSpec(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSpec(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
