package tasks

import (
	"context"
	"time"
)

// Collaborator contracts consumed by the job handlers. The application
// injects implementations; handlers never reach into application state
// any other way, so payloads stay plain data.

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// MemberDirectory resolves project member IDs to email addresses. Members
// without a deliverable address are simply omitted from the result.
type MemberDirectory interface {
	MemberEmails(ctx context.Context, projectID string, memberIDs []string) ([]string, error)
}

// NotificationService creates in-app notifications.
type NotificationService interface {
	Create(ctx context.Context, n NotificationPayload) error
	CreateBulk(ctx context.Context, ns []NotificationPayload) error
}

// PushDeliverer sends one push notification to a user's devices.
type PushDeliverer interface {
	Deliver(ctx context.Context, p PushPayload) error
}

// ActivityWriter appends one record to a project's activity feed.
type ActivityWriter interface {
	Record(ctx context.Context, a ActivityPayload) error
}

// AnnouncementService drives announcement lifecycle transitions. Both
// operations return the number of announcements they transitioned.
type AnnouncementService interface {
	// ProcessScheduled publishes announcements whose publish time has
	// arrived.
	ProcessScheduled(ctx context.Context) (int, error)

	// ArchiveExpired archives announcements whose expiry has passed.
	ArchiveExpired(ctx context.Context) (int, error)
}

// StorageCleaner permanently removes trashed items older than the given
// age, returning the number removed.
type StorageCleaner interface {
	PurgeTrash(ctx context.Context, olderThan time.Duration) (int, error)
}

// Broadcaster pushes a real-time event to connected clients. Optional:
// handlers skip the broadcast when none is injected.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload any) error
}
