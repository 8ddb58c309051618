package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// queueState tracks runtime state for a single queue.
type queueState struct {
	decl    *Queue
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-queue concurrency and rate limits at runtime.
// The worker pool calls AcquireSlot before polling, AllowRate once a job
// has been claimed, and Release after execution completes. Manager is
// safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager covering every queue in the registry.
func NewManager(reg *Registry) *Manager {
	m := &Manager{queues: make(map[string]*queueState)}
	for _, q := range reg.All() {
		qs := &queueState{decl: q}
		if q.Limit.Max > 0 && q.Limit.Window > 0 {
			// Token bucket shaped to the declared window: burst equals
			// the window budget, refill spreads it across the window.
			qs.limiter = rate.NewLimiter(
				rate.Limit(float64(q.Limit.Max)/q.Limit.Window.Seconds()),
				q.Limit.Max,
			)
		}
		m.queues[q.Name] = qs
	}
	return m
}

// AcquireSlot reserves a concurrency slot for the queue, returning false
// when the queue already runs at its concurrency limit. The caller MUST
// call Release when done with the slot, whether or not a job was claimed.
// Unknown queues have no limits.
func (m *Manager) AcquireSlot(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.decl.Concurrency > 0 && qs.active >= qs.decl.Concurrency {
		return false
	}
	qs.active++
	return true
}

// AllowRate spends one rate-limit token for the queue. Callers invoke it
// only with a claimed job in hand; an idle queue never drains its window
// budget. Returns false when the window budget is exhausted.
func (m *Manager) AllowRate(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil || qs.limiter == nil {
		return true
	}
	return qs.limiter.Allow()
}

// Release decrements the active job count for the queue.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// ActiveCount returns the current number of in-flight jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
