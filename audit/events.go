package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued   = "job.enqueued"
	ActionJobStarted    = "job.started"
	ActionJobCompleted  = "job.completed"
	ActionJobFailed     = "job.failed"
	ActionJobRetrying   = "job.retrying"
	ActionScheduleFired = "schedule.fired"
	ActionShutdown      = "engine.shutdown"
)

// Audit event categories group related actions.
const (
	CategoryJob      = "conveyor.job"
	CategorySchedule = "conveyor.schedule"
	CategoryEngine   = "conveyor.engine"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob      = "job"
	ResourceSchedule = "schedule_entry"
	ResourceEngine   = "engine"
)

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionScheduleFired,
		ActionShutdown,
	}
}
