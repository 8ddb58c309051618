// Package redis implements store.Store on the Redis broker. Jobs are
// stored as Hashes; each queue keeps one Sorted Set of waiting/delayed
// jobs scored by due time, and one Sorted Set per terminal state scored by
// finish time so retention can trim by count and by age.
//
// Usage:
//
//	client, err := conns.Client(broker.RolePublisher)
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/schedule"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle;
// the connection manager closes it at shutdown.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the connection manager owns the client lifecycle.
func (s *Store) Close() error { return nil }

func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
