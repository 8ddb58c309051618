// Package store defines the aggregate persistence interface. The job and
// schedule subsystems each define their own store contract; the composite
// Store composes them. Backends: Redis (the broker) and Memory (the test
// fake).
package store

import (
	"context"

	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/schedule"
)

// Store is the aggregate persistence interface. A single backend
// implements all of it.
type Store interface {
	job.Store
	schedule.Store

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
