package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/backoff"
	"github.com/devstarkedge/conveyor/hook"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/queue"
	"github.com/devstarkedge/conveyor/store/memory"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	store := memory.New()
	handlers := job.NewRegistry()

	var mu sync.Mutex
	attempts := 0
	job.RegisterDefinition(handlers, job.NewDefinition("email:send",
		func(_ context.Context, _ struct{}) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("smtp transient")
			}
			return nil
		},
	))

	queues, err := queue.NewRegistry(&queue.Queue{
		Name: "email",
		Defaults: job.Options{
			MaxAttempts: 3,
			Backoff:     backoff.NewFixed(5 * time.Millisecond),
		},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	logger := testLogger()
	hooks := hook.NewRegistry(logger)
	executor := NewExecutor(handlers, hooks, store, queues, logger)
	pool := NewPool(store, executor, hooks, logger,
		WithPoolQueues(queues.Names()),
		WithPollInterval(5*time.Millisecond),
		WithQueueManager(queue.NewManager(queues)),
	)

	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "email:send",
		Queue:       "email",
		Payload:     []byte(`{}`),
		State:       job.StateWaiting,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC().Add(-time.Second),
	}
	if err := store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, getErr := store.GetJob(context.Background(), j.ID)
		return getErr == nil && got.State == job.StateCompleted
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 3 {
		t.Fatalf("got %d recorded attempts, want 3", got.Attempts)
	}
}

func TestPoolSerializedQueueRunsOneAtATime(t *testing.T) {
	store := memory.New()
	handlers := job.NewRegistry()

	var mu sync.Mutex
	var order []string
	inFlight := 0
	maxInFlight := 0

	job.RegisterDefinition(handlers, job.NewDefinition("announcement:process-scheduled",
		func(_ context.Context, p struct{ Seq string }) error {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			order = append(order, p.Seq)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		},
	))

	queues, err := queue.NewRegistry(&queue.Queue{
		Name:        "announcement",
		Defaults:    job.Options{MaxAttempts: 1},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	logger := testLogger()
	hooks := hook.NewRegistry(logger)
	executor := NewExecutor(handlers, hooks, store, queues, logger)
	pool := NewPool(store, executor, hooks, logger,
		WithPoolQueues(queues.Names()),
		WithPollInterval(5*time.Millisecond),
		WithQueueManager(queue.NewManager(queues)),
	)

	base := time.Now().UTC().Add(-time.Minute)
	seqs := []string{"a", "b", "c"}
	for i, seq := range seqs {
		j := &job.Job{
			Entity:      conveyor.NewEntity(),
			ID:          id.NewJobID(),
			Type:        "announcement:process-scheduled",
			Queue:       "announcement",
			Payload:     []byte(`{"Seq":"` + seq + `"}`),
			State:       job.StateWaiting,
			MaxAttempts: 1,
			RunAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := store.EnqueueJob(context.Background(), j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		count, countErr := store.CountJobs(context.Background(), job.CountOpts{
			Queue: "announcement",
			State: job.StateCompleted,
		})
		return countErr == nil && count == int64(len(seqs))
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("concurrency-1 queue ran %d jobs at once", maxInFlight)
	}
	for i, want := range seqs {
		if order[i] != want {
			t.Fatalf("execution order %v, want %v", order, seqs)
		}
	}
}

func TestPoolDrainWaitsForActiveJob(t *testing.T) {
	store := memory.New()
	handlers := job.NewRegistry()

	started := make(chan struct{})
	var mu sync.Mutex
	finished := false

	job.RegisterDefinition(handlers, job.NewDefinition("maintenance:cleanup-trash",
		func(_ context.Context, _ struct{}) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			finished = true
			mu.Unlock()
			return nil
		},
	))

	queues, err := queue.NewRegistry(&queue.Queue{
		Name:        "maintenance",
		Defaults:    job.Options{MaxAttempts: 1},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	logger := testLogger()
	hooks := hook.NewRegistry(logger)
	executor := NewExecutor(handlers, hooks, store, queues, logger)
	pool := NewPool(store, executor, hooks, logger,
		WithPoolQueues(queues.Names()),
		WithPollInterval(5*time.Millisecond),
		WithQueueManager(queue.NewManager(queues)),
	)

	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "maintenance:cleanup-trash",
		Queue:       "maintenance",
		State:       job.StateWaiting,
		MaxAttempts: 1,
		RunAt:       time.Now().UTC().Add(-time.Second),
	}
	if err := store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatal("Stop returned before the in-flight job finished")
	}
}

// gatedRateManager grants concurrency slots freely but withholds rate
// tokens until opened.
type gatedRateManager struct {
	mu     sync.Mutex
	open   bool
	denied int
}

func (g *gatedRateManager) AcquireSlot(string) bool { return true }

func (g *gatedRateManager) AllowRate(string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.denied++
		return false
	}
	return true
}

func (g *gatedRateManager) Release(string) {}

func (g *gatedRateManager) deniedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denied
}

func (g *gatedRateManager) allow() {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
}

func TestPoolRequeuesRateLimitedJob(t *testing.T) {
	store := memory.New()
	handlers := job.NewRegistry()

	var mu sync.Mutex
	ran := false
	job.RegisterDefinition(handlers, job.NewDefinition("push:deliver",
		func(_ context.Context, _ struct{}) error {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil
		},
	))

	queues, err := queue.NewRegistry(&queue.Queue{
		Name:        "push",
		Defaults:    job.Options{MaxAttempts: 1},
		Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	logger := testLogger()
	hooks := hook.NewRegistry(logger)
	executor := NewExecutor(handlers, hooks, store, queues, logger)
	gate := &gatedRateManager{}
	pool := NewPool(store, executor, hooks, logger,
		WithPoolQueues(queues.Names()),
		WithPollInterval(5*time.Millisecond),
		WithQueueManager(gate),
	)

	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "push:deliver",
		Queue:       "push",
		Payload:     []byte(`{}`),
		State:       job.StateWaiting,
		MaxAttempts: 1,
		RunAt:       time.Now().UTC().Add(-time.Second),
	}
	if err := store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// While the window is exhausted the job bounces back to waiting
	// instead of executing.
	waitFor(t, 5*time.Second, func() bool { return gate.deniedCount() >= 2 })
	mu.Lock()
	ranWhileLimited := ran
	mu.Unlock()
	if ranWhileLimited {
		t.Fatal("job executed while rate limited")
	}
	got, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Fatalf("rate-limited job state = %q, want waiting", got.State)
	}

	// Once the window refills, the same job runs to completion.
	gate.allow()
	waitFor(t, 5*time.Second, func() bool {
		cur, getErr := store.GetJob(context.Background(), j.ID)
		return getErr == nil && cur.State == job.StateCompleted
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPoolStopIdempotent(t *testing.T) {
	store := memory.New()
	logger := testLogger()
	hooks := hook.NewRegistry(logger)
	executor := NewExecutor(job.NewRegistry(), hooks, store, nil, logger)
	pool := NewPool(store, executor, hooks, logger,
		WithPollInterval(5*time.Millisecond),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := pool.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
}
