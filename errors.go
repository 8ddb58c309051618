package conveyor

import "errors"

var (
	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrScheduleNotFound = errors.New("conveyor: schedule entry not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")
	ErrDuplicateSchedule = errors.New("conveyor: duplicate schedule entry")

	// Dispatch errors.
	ErrUnknownJobType = errors.New("conveyor: no handler registered for job type")
	ErrUnknownQueue   = errors.New("conveyor: unknown queue")

	// Connection errors.
	ErrBrokerUnavailable = errors.New("conveyor: broker unavailable")
	ErrConnClosed        = errors.New("conveyor: connection closed")

	// Lifecycle errors.
	ErrNotInitialized  = errors.New("conveyor: engine not initialized")
	ErrShuttingDown    = errors.New("conveyor: engine shutting down")
	ErrRunnerStopped   = errors.New("conveyor: task runner stopped")
	ErrInvalidState    = errors.New("conveyor: invalid state transition")
	ErrAttemptsInvalid = errors.New("conveyor: max attempts must be at least 1")
)
