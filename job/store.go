package job

import (
	"context"
	"time"

	"github.com/devstarkedge/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. The broker-backed
// implementation lives in store/redis; store/memory implements the same
// contract for tests.
type Store interface {
	// EnqueueJob persists a new job in waiting state (or delayed, when its
	// RunAt lies in the future). Returns conveyor.ErrJobAlreadyExists for
	// a duplicate ID.
	EnqueueJob(ctx context.Context, j *Job) error

	// DequeueJobs atomically claims up to limit due jobs from the given
	// queue, sets them active, and returns them. Jobs are ordered by due
	// time (ascending); priority (descending) breaks ties between jobs
	// due at the same instant. Jobs whose RunAt lies in the future are
	// not eligible.
	DequeueJobs(ctx context.Context, queue string, limit int) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job. State transitions go
	// through this store; application code never mutates a record it does
	// not own.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// HeartbeatJob updates the heartbeat timestamp for an active job,
	// indicating its worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStaleActive returns active jobs whose last heartbeat is older
	// than the threshold, indicating their worker may have crashed. The
	// caller returns them to waiting; the re-run this causes is the
	// at-least-once duplicate case.
	ReapStaleActive(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// TrimFinished applies a retention policy to one queue and terminal
	// state: records beyond keepCount, and records older than keepAge, are
	// removed. Zero keepCount or keepAge disables that bound. Returns the
	// number removed.
	TrimFinished(ctx context.Context, queue string, state State, keepCount int, keepAge time.Duration) (int64, error)

	// PurgeFinishedBefore removes up to limit completed/failed records in
	// the queue older than cutoff, regardless of per-queue retention.
	// Waiting, delayed, and active jobs are never touched. Used by the
	// retention sweeper.
	PurgeFinishedBefore(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error)
}
