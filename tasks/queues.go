package tasks

import (
	"time"

	"github.com/devstarkedge/conveyor/backoff"
	"github.com/devstarkedge/conveyor/job"
	"github.com/devstarkedge/conveyor/queue"
)

// Queue names.
const (
	QueueEmail        = "email"
	QueueNotification = "notification"
	QueueActivity     = "activity"
	QueuePush         = "push"
	QueueAnnouncement = "announcement"
	QueueMaintenance  = "maintenance"
)

// Queues returns the queue declarations for the domain surface.
//
// Email is the slowest and most failure-prone path (external SMTP), so it
// gets the largest attempt budget, the widest backoff and a rate limit
// matching the provider's quota. Announcement and maintenance pin
// concurrency to 1: announcement lifecycle transitions must not interleave
// and trash cleanup contends on the same storage rows.
func Queues() []*queue.Queue {
	return []*queue.Queue{
		{
			Name: QueueEmail,
			Defaults: job.Options{
				MaxAttempts: 5,
				Backoff:     backoff.NewExponential(3*time.Second, 2*time.Minute),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   2,
			Limit:         queue.RateLimit{Max: 20, Window: 10 * time.Second},
		},
		{
			Name: QueueNotification,
			Defaults: job.Options{
				MaxAttempts: 3,
				Backoff:     backoff.NewExponential(time.Second, time.Minute),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   8,
		},
		{
			Name: QueueActivity,
			Defaults: job.Options{
				MaxAttempts: 3,
				Backoff:     backoff.NewExponential(time.Second, time.Minute),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   8,
		},
		{
			Name: QueuePush,
			Defaults: job.Options{
				MaxAttempts: 3,
				Backoff:     backoff.NewExponential(2*time.Second, time.Minute),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   4,
		},
		{
			Name: QueueAnnouncement,
			Defaults: job.Options{
				MaxAttempts: 3,
				Backoff:     backoff.NewFixed(5 * time.Second),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   1,
		},
		{
			Name: QueueMaintenance,
			Defaults: job.Options{
				MaxAttempts: 2,
				Backoff:     backoff.NewFixed(30 * time.Second),
			},
			KeepCompleted: queue.Retention{Count: 100, Age: time.Hour},
			KeepFailed:    queue.Retention{Count: 1000, Age: 7 * 24 * time.Hour},
			Concurrency:   1,
		},
	}
}

// NewQueueRegistry builds a registry holding the domain queues.
func NewQueueRegistry() (*queue.Registry, error) {
	return queue.NewRegistry(Queues()...)
}
