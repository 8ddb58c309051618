// Package retention provides the background sweeper that purges aged
// finished job records. Queues already trim on completion; the sweeper is
// the coarse backstop for records that outlive their queue's activity,
// such as a queue that stops receiving jobs entirely.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devstarkedge/conveyor/job"
)

// Store is the subset of the job store the sweeper needs.
type Store interface {
	PurgeFinishedBefore(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error)
}

var _ Store = (job.Store)(nil)

// Sweeper periodically purges finished records older than the configured
// age, one bounded batch per queue per pass. Waiting, delayed, and active
// jobs are never purge candidates.
type Sweeper struct {
	store    Store
	queues   []string
	interval time.Duration
	age      time.Duration
	batch    int
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets how often the sweeper runs a pass.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithAge sets the minimum age of finished records eligible for purge.
func WithAge(d time.Duration) Option {
	return func(s *Sweeper) { s.age = d }
}

// WithBatchSize caps how many records one pass removes per queue.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// NewSweeper creates a Sweeper over the given queues.
func NewSweeper(store Store, queues []string, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:    store,
		queues:   queues,
		interval: 6 * time.Hour,
		age:      24 * time.Hour,
		batch:    1000,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. The first pass runs after one interval,
// not at boot, so startup is not burdened with purge traffic.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("retention sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("age", s.age),
		slog.Int("batch", s.batch),
	)
	return nil
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one purge pass across all queues and returns the number of
// records removed. It is also the unit the background loop calls.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-s.age)

	var total int64
	for _, q := range s.queues {
		removed, err := s.store.PurgeFinishedBefore(ctx, q, cutoff, s.batch)
		if err != nil {
			s.logger.Error("retention sweep error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += removed
		if removed > 0 {
			s.logger.Info("retention sweep purged records",
				slog.String("queue", q),
				slog.Int64("removed", removed),
			)
		}
	}
	return total
}
