// Package tasks is the domain surface of the substrate: the closed job
// catalog, payload types, collaborator contracts, queue and schedule
// declarations, and the typed submit API the application calls.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/devstarkedge/conveyor/job"
)

// Substrate accepts jobs for asynchronous execution. The engine provides
// the implementation; which substrate actually runs the job (durable
// broker or in-process fallback) is invisible here. A non-error return
// means accepted, never processed.
type Substrate interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error)
}

// Service is the typed submit API. Every method serializes its payload,
// routes it to the right queue and returns the accepted job handle.
type Service struct {
	sub    Substrate
	logger *slog.Logger
}

// NewService creates the submit service on top of a substrate.
func NewService(sub Substrate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sub: sub, logger: logger}
}

func (s *Service) submit(ctx context.Context, queueName, jobType string, payload any, opts ...job.Option) (*job.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	j, err := s.sub.Enqueue(ctx, queueName, jobType, raw, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("job submitted",
		slog.String("job_type", jobType),
		slog.String("queue", queueName),
		slog.String("job_id", j.ID.String()),
	)
	return j, nil
}

// SubmitEmail queues one email for delivery.
func (s *Service) SubmitEmail(ctx context.Context, p EmailPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueEmail, TypeEmailSend, p, opts...)
}

// SubmitBulkEmail queues one message for delivery to many recipients.
func (s *Service) SubmitBulkEmail(ctx context.Context, p BulkEmailPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueEmail, TypeEmailSendBulk, p, opts...)
}

// SubmitProjectEmails queues one email addressed to a project's members.
// Member IDs resolve to addresses when the job runs.
func (s *Service) SubmitProjectEmails(ctx context.Context, p ProjectEmailPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueEmail, TypeEmailProjectMembers, p, opts...)
}

// SubmitNotification queues one in-app notification.
func (s *Service) SubmitNotification(ctx context.Context, p NotificationPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueNotification, TypeNotificationCreate, p, opts...)
}

// SubmitBulkNotifications queues a batch of notifications as one job.
func (s *Service) SubmitBulkNotifications(ctx context.Context, p BulkNotificationPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueNotification, TypeNotificationCreateBulk, p, opts...)
}

// SubmitProjectCreatedNotification queues member notifications for a new
// project.
func (s *Service) SubmitProjectCreatedNotification(ctx context.Context, p ProjectCreatedPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueNotification, TypeNotificationProjectCreated, p, opts...)
}

// SubmitUserRegisteredNotification queues the welcome notification for a
// self-registered user.
func (s *Service) SubmitUserRegisteredNotification(ctx context.Context, p UserRegisteredPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueNotification, TypeNotificationUserRegistered, p, opts...)
}

// SubmitUserCreatedNotification queues the notification for a user whose
// account was created by an admin.
func (s *Service) SubmitUserCreatedNotification(ctx context.Context, p UserCreatedPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueNotification, TypeNotificationUserCreated, p, opts...)
}

// SubmitPush queues one push notification delivery.
func (s *Service) SubmitPush(ctx context.Context, p PushPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueuePush, TypePushDeliver, p, opts...)
}

// SubmitActivity queues one activity feed record.
func (s *Service) SubmitActivity(ctx context.Context, p ActivityPayload, opts ...job.Option) (*job.Job, error) {
	return s.submit(ctx, QueueActivity, TypeActivityRecord, p, opts...)
}
