package conveyor

import "time"

// Config holds engine-level configuration. Per-queue behaviour (attempts,
// backoff, concurrency, retention) lives on the queue declarations.
type Config struct {
	// ProbeTimeout bounds the one-shot broker liveness probe at startup.
	ProbeTimeout time.Duration

	// PollInterval is how often idle workers poll their queue for jobs.
	PollInterval time.Duration

	// DrainTimeout is the maximum time Shutdown waits for in-flight
	// handlers to finish before cancelling them.
	DrainTimeout time.Duration

	// StaleActiveThreshold is how long a claimed job may go without
	// progress before it is returned to the waiting state. This is the
	// recovery path behind at-least-once delivery after a crash.
	StaleActiveThreshold time.Duration

	// SweepInterval is how often the retention sweeper runs. The sweeper
	// is defence in depth alongside per-queue retention and is
	// intentionally coarse.
	SweepInterval time.Duration

	// SweepAge is the age past which completed and failed job records are
	// removed by the sweeper.
	SweepAge time.Duration

	// SweepBatch caps how many records one sweep pass removes per queue.
	SweepBatch int
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:         5 * time.Second,
		PollInterval:         500 * time.Millisecond,
		DrainTimeout:         30 * time.Second,
		StaleActiveThreshold: 5 * time.Minute,
		SweepInterval:        6 * time.Hour,
		SweepAge:             24 * time.Hour,
		SweepBatch:           1000,
	}
}
