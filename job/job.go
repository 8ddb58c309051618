package job

import (
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is queued and eligible for a worker once
	// its RunAt has passed.
	StateWaiting State = "waiting"
	// StateActive means a worker has claimed the job and is executing it.
	StateActive State = "active"
	// StateDelayed means the job failed and is waiting out its backoff
	// delay before returning to waiting.
	StateDelayed State = "delayed"
	// StateCompleted means the handler resolved. Completed jobs are
	// retained per the queue's completed-retention policy.
	StateCompleted State = "completed"
	// StateFailed means attempts are exhausted. Failed jobs are retained
	// longer than completed ones to support postmortem inspection.
	StateFailed State = "failed"
)

// Job represents one unit of asynchronous work: a type name plus a plain
// serializable payload. Payloads never carry live references; everything a
// handler needs must survive the process boundary.
type Job struct {
	conveyor.Entity

	ID          id.JobID      `json:"id"`
	Type        string        `json:"type"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	State       State         `json:"state"`
	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	RepeatKey   string        `json:"repeat_key,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`
	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Finished reports whether the job is in a terminal state.
func (j *Job) Finished() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// AttemptsExhausted reports whether the job has used its full attempt
// budget.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
