package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/schedule"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	schedules map[string]*schedule.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		schedules: make(map[string]*schedule.Entry),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op: the memory store has no connection to tear down, and
// tests reuse one store across engine lifecycles to emulate durable data
// surviving a restart.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// DequeueJobs atomically claims up to limit due jobs from the given queue,
// sets them to active, and returns them. A job is due once its RunAt has
// passed; delayed retries stay invisible until then.
func (m *Store) DequeueJobs(_ context.Context, queue string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StateWaiting && j.State != job.StateDelayed {
			continue
		}
		if queue != "" && j.Queue != queue {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	// Sort: RunAt ASC, priority DESC for ties.
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].RunAt.Equal(candidates[k].RunAt) {
			return candidates[i].RunAt.Before(candidates[k].RunAt)
		}
		return candidates[i].Priority > candidates[k].Priority
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateActive
		n := now
		j.StartedAt = &n
		j.HeartbeatAt = &n
		// Return a copy so callers can mutate without racing with the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// HeartbeatJob updates the heartbeat timestamp for an active job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.WorkerID = workerID
	return nil
}

// ReapStaleActive returns active jobs whose last heartbeat is older than
// the given threshold.
func (m *Store) ReapStaleActive(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateActive {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// finishedAt returns the time a terminal job finished, falling back to
// UpdatedAt for records written before CompletedAt was set.
func finishedAt(j *job.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// TrimFinished applies a retention bound to one queue and terminal state.
func (m *Store) TrimFinished(_ context.Context, queue string, state job.State, keepCount int, keepAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		finished = append(finished, j)
	}

	sort.Slice(finished, func(i, k int) bool {
		return finishedAt(finished[i]).Before(finishedAt(finished[k]))
	})

	victims := make(map[string]bool)

	if keepAge > 0 {
		cutoff := time.Now().UTC().Add(-keepAge)
		for _, j := range finished {
			if finishedAt(j).Before(cutoff) {
				victims[j.ID.String()] = true
			}
		}
	}
	if keepCount > 0 && len(finished) > keepCount {
		for _, j := range finished[:len(finished)-keepCount] {
			victims[j.ID.String()] = true
		}
	}

	for key := range victims {
		delete(m.jobs, key)
	}
	return int64(len(victims)), nil
}

// PurgeFinishedBefore removes up to limit finished records older than
// cutoff in the queue.
func (m *Store) PurgeFinishedBefore(_ context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, j := range m.jobs {
		if limit > 0 && count >= int64(limit) {
			break
		}
		if j.Queue != queue {
			continue
		}
		if j.State != job.StateCompleted && j.State != job.StateFailed {
			continue
		}
		if finishedAt(j).Before(cutoff) {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// RegisterSchedule persists a new schedule entry. Returns an error if the
// key already exists.
func (m *Store) RegisterSchedule(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.schedules {
		if e.Key == entry.Key {
			return conveyor.ErrDuplicateSchedule
		}
	}

	cp := *entry
	m.schedules[entry.ID.String()] = &cp
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (m *Store) GetSchedule(_ context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return nil, conveyor.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

// ListSchedules returns all schedule entries.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Entry, 0, len(m.schedules))
	for _, e := range m.schedules {
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// AcquireScheduleLock attempts to acquire the firing lock for an entry.
func (m *Store) AcquireScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return false, conveyor.ErrScheduleNotFound
	}

	now := time.Now().UTC()

	// If already locked by someone else and the lock hasn't expired, fail.
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) {
		if e.LockedBy != workerID.String() {
			return false, nil
		}
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseScheduleLock releases the firing lock for an entry.
func (m *Store) ReleaseScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}

	if e.LockedBy != workerID.String() {
		return nil // not holding the lock; no-op
	}

	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// UpdateScheduleRun records a firing: LastRunAt and NextRunAt.
func (m *Store) UpdateScheduleRun(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.schedules[key]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[key] = &cp
	return nil
}

// DeleteSchedule removes a schedule entry by ID.
func (m *Store) DeleteSchedule(_ context.Context, entryID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.schedules[key]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}
