package job

import (
	"time"

	"github.com/devstarkedge/conveyor/backoff"
)

// Options configures per-job behaviour. Zero values mean "inherit": the
// queue's defaults apply, and the global defaults below apply beneath
// those. Precedence is per-call override > per-queue default > global
// default.
type Options struct {
	// MaxAttempts is the total attempt budget (first run included).
	MaxAttempts int

	// Backoff computes the delay between attempts.
	Backoff backoff.Strategy

	// Priority is a numeric dequeue hint. Higher values are claimed first
	// within a queue. There is no richer scheduling than this.
	Priority int

	// Delay defers the first run by the given duration.
	Delay time.Duration

	// Timeout is a per-attempt execution deadline. Zero disables it; a
	// stuck handler then occupies a concurrency slot until it returns.
	Timeout time.Duration

	// RepeatKey is the fixed identifier carried by jobs spawned from a
	// repeatable schedule.
	RepeatKey string
}

// DefaultOptions returns the global option defaults, the bottom of the
// precedence chain.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     backoff.DefaultStrategy(),
	}
}

// Merge returns o with every zero field filled from fallback.
func (o Options) Merge(fallback Options) Options {
	out := o
	if out.MaxAttempts == 0 {
		out.MaxAttempts = fallback.MaxAttempts
	}
	if out.Backoff == nil {
		out.Backoff = fallback.Backoff
	}
	if out.Priority == 0 {
		out.Priority = fallback.Priority
	}
	if out.Delay == 0 {
		out.Delay = fallback.Delay
	}
	if out.Timeout == 0 {
		out.Timeout = fallback.Timeout
	}
	if out.RepeatKey == "" {
		out.RepeatKey = fallback.RepeatKey
	}
	return out
}

// Option is a functional option for per-call overrides on submit.
type Option func(*Options)

// WithMaxAttempts overrides the attempt budget for one job.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff overrides the retry backoff strategy for one job.
func WithBackoff(b backoff.Strategy) Option {
	return func(o *Options) { o.Backoff = b }
}

// WithPriority sets the numeric priority hint for one job.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithDelay defers the job's first run.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithTimeout sets a per-attempt execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRepeatKey marks the job as spawned by the named repeatable schedule.
func WithRepeatKey(key string) Option {
	return func(o *Options) { o.RepeatKey = key }
}
