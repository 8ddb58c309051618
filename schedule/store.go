package schedule

import (
	"context"
	"time"

	"github.com/devstarkedge/conveyor/id"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// RegisterSchedule persists a new entry. Returns
	// conveyor.ErrDuplicateSchedule if an entry with the same key already
	// exists; callers treat that as a successful no-op.
	RegisterSchedule(ctx context.Context, entry *Entry) error

	// GetSchedule retrieves an entry by ID.
	GetSchedule(ctx context.Context, entryID id.ScheduleID) (*Entry, error)

	// ListSchedules returns all entries.
	ListSchedules(ctx context.Context) ([]*Entry, error)

	// AcquireScheduleLock attempts to take the firing lock for an entry.
	// Returns true if acquired. The lock expires after ttl, so a crashed
	// holder cannot wedge the schedule.
	AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the firing lock.
	ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error

	// UpdateScheduleRun records a firing: LastRunAt and NextRunAt.
	UpdateScheduleRun(ctx context.Context, entry *Entry) error

	// DeleteSchedule removes an entry by ID.
	DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error
}
