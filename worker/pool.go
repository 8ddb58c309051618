package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// worker pool reserves a concurrency slot before polling and spends a
// rate token only once a job has actually been claimed, so idle polling
// never consumes the rate window.
type QueueManager interface {
	// AcquireSlot reserves a concurrency slot for the queue. The caller
	// MUST call Release when done with the slot.
	AcquireSlot(queue string) bool
	// AllowRate spends one rate-limit token for a claimed job. Returns
	// false when the job must wait for the window to refill.
	AllowRate(queue string) bool
	// Release returns a concurrency slot to the queue.
	Release(queue string)
}

// Pool manages per-queue worker goroutines that poll for due jobs and
// execute them through the Executor. Each declared queue gets its own
// poll loop; the QueueManager bounds how many jobs from that queue run
// at once.
type Pool struct {
	store        job.Store
	executor     *Executor
	hooks        *hook.Registry
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	staleJobThreshold time.Duration

	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	execWG     sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often queue loops poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool sends heartbeats for
// active jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleJobThreshold sets the threshold after which active jobs
// without a heartbeat are considered stale and reset to waiting. A zero
// value disables stale job reaping.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleJobThreshold = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		hooks:        hooks,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the queue loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Any("queues", p.queues),
	)

	for _, q := range p.queues {
		p.wg.Add(1)
		go p.queueLoop(q)
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.staleJobThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all loops to stop and waits for in-flight jobs to drain.
// If the context has a deadline, active jobs are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.execWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
		p.execWG.Wait()
	}

	return nil
}

// queueLoop polls one queue for due jobs. Jobs run on their own
// goroutines so a slow handler does not stall claiming, up to the
// queue's concurrency limit.
func (p *Pool) queueLoop(queueName string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.queueManager != nil && !p.queueManager.AcquireSlot(queueName) {
			p.sleep()
			continue
		}

		jobs, err := p.store.DequeueJobs(context.Background(), queueName, 1)
		if err != nil {
			p.releaseSlot(queueName)
			p.logger.Error("dequeue error",
				slog.String("queue", queueName),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}

		if len(jobs) == 0 {
			p.releaseSlot(queueName)
			p.sleep()
			continue
		}

		j := jobs[0]
		if p.queueManager != nil && !p.queueManager.AllowRate(queueName) {
			p.requeueRateLimited(j)
			p.releaseSlot(queueName)
			p.sleep()
			continue
		}
		p.execWG.Add(1)
		go p.runJob(j)
	}
}

// runJob executes one claimed job and releases its queue slot.
func (p *Pool) runJob(j *job.Job) {
	defer p.execWG.Done()
	defer p.releaseSlot(j.Queue)

	j.WorkerID = p.workerID
	p.hooks.EmitJobStarted(context.Background(), j)

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)

	execErr := p.executor.Execute(ctx, j)
	if execErr != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(j.ID.String())
	cancel()
}

// requeueRateLimited returns a claimed job to the waiting set with a small
// delay, so it is retried once the rate window refills.
func (p *Pool) requeueRateLimited(j *job.Job) {
	j.State = job.StateWaiting
	j.RunAt = time.Now().UTC().Add(p.pollInterval)
	j.WorkerID = id.WorkerID{}
	j.HeartbeatAt = nil
	j.StartedAt = nil

	if err := p.store.UpdateJob(context.Background(), j); err != nil {
		p.logger.Error("failed to requeue rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) releaseSlot(queueName string) {
	if p.queueManager != nil {
		p.queueManager.Release(queueName)
	}
}

// heartbeatLoop periodically sends heartbeats for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.store.HeartbeatJob(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically resets stale active jobs whose heartbeat has
// expired, returning them to the waiting set for redelivery.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleJobThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

func (p *Pool) reapStaleJobs() {
	stale, err := p.store.ReapStaleActive(context.Background(), p.staleJobThreshold)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		j.State = job.StateWaiting
		j.RunAt = time.Now().UTC()
		j.WorkerID = id.WorkerID{} // Clear the worker assignment.
		j.HeartbeatAt = nil
		j.StartedAt = nil

		if updateErr := p.store.UpdateJob(context.Background(), j); updateErr != nil {
			p.logger.Error("reap: failed to reset stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}

		p.logger.Info("reaped stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
