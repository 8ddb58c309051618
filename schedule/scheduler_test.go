package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// fakeStore is a minimal in-memory Store for scheduler tests. The real
// memory store lives in store/memory, which imports this package.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*Entry)}
}

func (f *fakeStore) RegisterSchedule(_ context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Key == entry.Key {
			return conveyor.ErrDuplicateSchedule
		}
	}
	cp := *entry
	f.entries[entry.ID.String()] = &cp
	return nil
}

func (f *fakeStore) GetSchedule(_ context.Context, entryID id.ScheduleID) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID.String()]
	if !ok {
		return nil, conveyor.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ListSchedules(_ context.Context) ([]*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]*Entry, 0, len(f.entries))
	for _, e := range f.entries {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (f *fakeStore) AcquireScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID.String()]
	if !ok {
		return false, conveyor.ErrScheduleNotFound
	}
	now := time.Now().UTC()
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) && e.LockedBy != workerID.String() {
		return false, nil
	}
	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

func (f *fakeStore) ReleaseScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID.String()]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}
	if e.LockedBy == workerID.String() {
		e.LockedBy = ""
		e.LockedUntil = nil
	}
	return nil
}

func (f *fakeStore) UpdateScheduleRun(_ context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entry.ID.String()
	if _, ok := f.entries[key]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	cp := *entry
	f.entries[key] = &cp
	return nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, entryID id.ScheduleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entryID.String()
	if _, ok := f.entries[key]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	delete(f.entries, key)
	return nil
}

// enqueueRecorder captures enqueue calls in order.
type enqueueRecorder struct {
	mu    sync.Mutex
	calls []enqueueCall
}

type enqueueCall struct {
	queue   string
	jobType string
	opts    job.Options
}

func (r *enqueueRecorder) enqueue(_ context.Context, queue, jobType string, _ []byte, opts ...job.Option) (id.JobID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var resolved job.Options
	for _, opt := range opts {
		opt(&resolved)
	}
	r.calls = append(r.calls, enqueueCall{queue: queue, jobType: jobType, opts: resolved})
	return id.NewJobID(), nil
}

func (r *enqueueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *enqueueRecorder) last() enqueueCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dueEntry(key, spec string) *Entry {
	now := time.Now().UTC().Add(-time.Second)
	return &Entry{
		Entity:    conveyor.NewEntity(),
		ID:        id.NewScheduleID(),
		Key:       key,
		Spec:      spec,
		JobType:   "announcement:process-scheduled",
		Queue:     "announcement",
		NextRunAt: &now,
		Enabled:   true,
	}
}

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"@every 5m", false},
		{"*/5 * * * *", false},
		{"0 3 * * *", false},
		{"not a spec", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSpec(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSpec(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerFiresDueEntry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rec := &enqueueRecorder{}
	ctx := context.Background()

	entry := dueEntry("sched:announcement-process", "@every 30s")
	if err := store.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	s := NewScheduler(store, rec.enqueue, id.NewWorkerID(), testLogger(),
		WithTickInterval(10*time.Millisecond),
	)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx) //nolint:errcheck

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("entry never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	call := rec.last()
	if call.queue != "announcement" || call.jobType != "announcement:process-scheduled" {
		t.Fatalf("unexpected enqueue: %+v", call)
	}
	if call.opts.RepeatKey != entry.Key {
		t.Fatalf("got repeat key %q, want %q", call.opts.RepeatKey, entry.Key)
	}

	// The firing advances NextRunAt so the entry does not fire again
	// within the interval.
	got, err := store.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastRunAt == nil {
		t.Fatal("LastRunAt not recorded")
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("NextRunAt not advanced: %v", got.NextRunAt)
	}
}

func TestSchedulerSkipsDisabledEntry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rec := &enqueueRecorder{}
	ctx := context.Background()

	entry := dueEntry("sched:trash-cleanup", "@every 30s")
	entry.Enabled = false
	if err := store.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	s := NewScheduler(store, rec.enqueue, id.NewWorkerID(), testLogger(),
		WithTickInterval(10*time.Millisecond),
	)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if rec.count() != 0 {
		t.Fatalf("disabled entry fired %d times", rec.count())
	}
}

func TestSchedulerSingleFiringAcrossInstances(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rec := &enqueueRecorder{}
	ctx := context.Background()

	entry := dueEntry("sched:announcement-archive", "@every 5m")
	if err := store.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	// Two scheduler instances share the store, as two web app processes
	// would.
	s1 := NewScheduler(store, rec.enqueue, id.NewWorkerID(), testLogger(),
		WithTickInterval(10*time.Millisecond),
	)
	s2 := NewScheduler(store, rec.enqueue, id.NewWorkerID(), testLogger(),
		WithTickInterval(10*time.Millisecond),
	)
	for _, s := range []*Scheduler{s1, s2} {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	for _, s := range []*Scheduler{s1, s2} {
		if err := s.Stop(ctx); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	if got := rec.count(); got != 1 {
		t.Fatalf("entry fired %d times, want exactly 1", got)
	}
}
