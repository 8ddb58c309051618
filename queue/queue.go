// Package queue declares named queues and enforces their runtime limits.
//
// A [Queue] couples a name with default job options (attempts, backoff),
// independent retention policies for completed and failed jobs, a
// concurrency limit, and an optional sliding-window rate limit. The
// [Registry] holds every declared queue; the [Manager] tracks in-flight
// counts and token buckets at runtime.
package queue

import (
	"fmt"
	"time"

	"github.com/devstarkedge/conveyor/job"
)

// Retention bounds how many finished job records a queue keeps and for how
// long. Zero Count or Age disables that bound. Failed jobs are typically
// kept in greater count and for longer than completed ones, to support
// postmortem.
type Retention struct {
	Count int
	Age   time.Duration
}

// RateLimit is a sliding-window limit on job starts: at most Max starts
// per Window. Zero Max disables the limit.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Queue declares one named queue and its policies.
type Queue struct {
	// Name is the queue identifier. Job records carry it and workers bind
	// to it.
	Name string

	// Defaults are the per-queue default job options. A submit call's
	// per-call overrides win over these; global defaults sit beneath.
	Defaults job.Options

	// KeepCompleted and KeepFailed are independent retention policies for
	// the two terminal states.
	KeepCompleted Retention
	KeepFailed    Retention

	// Concurrency is the number of jobs from this queue that may execute
	// simultaneously in one process. Queues whose correctness depends on
	// serialized execution pin this to 1.
	Concurrency int

	// Limit is the optional rate limit on job starts.
	Limit RateLimit
}

// ResolveOptions folds per-call options over the queue defaults and the
// global defaults, implementing the documented precedence.
func (q *Queue) ResolveOptions(opts ...job.Option) job.Options {
	var call job.Options
	for _, opt := range opts {
		opt(&call)
	}
	return call.Merge(q.Defaults).Merge(job.DefaultOptions())
}

// Registry is the set of declared queues, keyed by name.
type Registry struct {
	queues map[string]*Queue
	order  []string
}

// NewRegistry builds a registry from queue declarations. Declaring the
// same name twice or a non-positive concurrency is a programming error.
func NewRegistry(queues ...*Queue) (*Registry, error) {
	r := &Registry{queues: make(map[string]*Queue, len(queues))}
	for _, q := range queues {
		if q.Name == "" {
			return nil, fmt.Errorf("queue: declaration missing name")
		}
		if _, dup := r.queues[q.Name]; dup {
			return nil, fmt.Errorf("queue: duplicate declaration %q", q.Name)
		}
		if q.Concurrency <= 0 {
			return nil, fmt.Errorf("queue %q: concurrency must be positive, got %d", q.Name, q.Concurrency)
		}
		r.queues[q.Name] = q
		r.order = append(r.order, q.Name)
	}
	return r, nil
}

// Get returns the declaration for a queue name.
func (r *Registry) Get(name string) (*Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// Names returns the declared queue names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every declaration in declaration order.
func (r *Registry) All() []*Queue {
	out := make([]*Queue, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.queues[name])
	}
	return out
}
