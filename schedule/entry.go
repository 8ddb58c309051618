// Package schedule drives repeatable jobs: entries with a fixed key and a
// fixed interval that enqueue a job each time they come due. Keys make
// registration idempotent — re-registering after a restart never creates a
// second concurrent schedule.
package schedule

import (
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
)

// Entry represents one repeatable schedule.
type Entry struct {
	conveyor.Entity

	ID id.ScheduleID `json:"id"`

	// Key is the fixed identifier. Exactly one entry exists per key no
	// matter how many times or from how many instances it is registered.
	Key string `json:"key"`

	// Spec is the interval expression: "@every 30s" or a 5-field cron
	// expression.
	Spec string `json:"spec"`

	// JobType and Queue describe the job enqueued on each firing.
	JobType string `json:"job_type"`
	Queue   string `json:"queue"`

	// Payload is the fixed payload enqueued with each firing.
	Payload []byte `json:"payload,omitempty"`

	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// Definition declares one repeatable schedule for registration at
// startup. Registration by key is idempotent, so every process instance
// declares the full set unconditionally.
type Definition struct {
	// Key is the fixed schedule identifier.
	Key string

	// Spec is the interval expression (e.g. "@every 30s").
	Spec string

	// JobType is the job enqueued on each firing.
	JobType string

	// Queue is the queue the job is enqueued to.
	Queue string

	// Payload is the fixed payload for each firing.
	Payload []byte

	// RunAtBoot requests one immediate one-off run at registration time,
	// in addition to the recurring schedule.
	RunAtBoot bool
}
