package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devstarkedge/conveyor/job"
)

// bulkSendConcurrency bounds the fan-out inside one bulk email job so a
// large batch cannot exhaust SMTP connections by itself.
const bulkSendConcurrency = 4

// trashRetention is how long trashed items survive before the cleanup job
// purges them.
const trashRetention = 30 * 24 * time.Hour

// Handlers binds the job catalog to the injected collaborators.
type Handlers struct {
	Email         EmailSender
	Directory     MemberDirectory
	Notifications NotificationService
	Push          PushDeliverer
	Activity      ActivityWriter
	Announcements AnnouncementService
	Storage       StorageCleaner

	// Broadcast is optional. When set, notification handlers push a
	// real-time event alongside the stored notification.
	Broadcast Broadcaster

	Logger *slog.Logger
}

// Register installs a handler for every catalog entry. Call Covers on the
// registry afterwards to assert the catalog is fully bound.
func (h *Handlers) Register(reg *job.Registry) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	job.RegisterDefinition(reg, job.NewDefinition(TypeEmailSend, h.sendEmail))
	job.RegisterDefinition(reg, job.NewDefinition(TypeEmailSendBulk, h.sendBulkEmail))
	job.RegisterDefinition(reg, job.NewDefinition(TypeEmailProjectMembers, h.sendProjectEmails))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotificationCreate, h.createNotification))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotificationCreateBulk, h.createBulkNotifications))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotificationProjectCreated, h.notifyProjectCreated))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotificationUserRegistered, h.notifyUserRegistered))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotificationUserCreated, h.notifyUserCreated))
	job.RegisterDefinition(reg, job.NewDefinition(TypePushDeliver, h.deliverPush))
	job.RegisterDefinition(reg, job.NewDefinition(TypeActivityRecord, h.recordActivity))
	job.RegisterDefinition(reg, job.NewDefinition(TypeAnnouncementProcessScheduled, h.processScheduledAnnouncements))
	job.RegisterDefinition(reg, job.NewDefinition(TypeAnnouncementArchiveExpired, h.archiveExpiredAnnouncements))
	job.RegisterDefinition(reg, job.NewDefinition(TypeMaintenanceCleanupTrash, h.cleanupTrash))
}

func (h *Handlers) sendEmail(ctx context.Context, p EmailPayload) error {
	if err := h.Email.Send(ctx, p.To, p.Subject, p.HTML); err != nil {
		return fmt.Errorf("send email to %s: %w", p.To, err)
	}
	return nil
}

func (h *Handlers) sendBulkEmail(ctx context.Context, p BulkEmailPayload) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkSendConcurrency)
	for _, to := range p.Recipients {
		g.Go(func() error {
			if err := h.Email.Send(ctx, to, p.Subject, p.HTML); err != nil {
				return fmt.Errorf("send email to %s: %w", to, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Handlers) sendProjectEmails(ctx context.Context, p ProjectEmailPayload) error {
	recipients, err := h.Directory.MemberEmails(ctx, p.ProjectID, p.MemberIDs)
	if err != nil {
		return fmt.Errorf("resolve members of project %s: %w", p.ProjectID, err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkSendConcurrency)
	for _, to := range recipients {
		g.Go(func() error {
			if err := h.Email.Send(ctx, to, p.Subject, p.HTML); err != nil {
				return fmt.Errorf("send project %s email to %s: %w", p.ProjectID, to, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Handlers) createNotification(ctx context.Context, p NotificationPayload) error {
	if err := h.Notifications.Create(ctx, p); err != nil {
		return fmt.Errorf("create notification for user %s: %w", p.UserID, err)
	}
	h.broadcastToUser(ctx, p.UserID, "notification:new", p)
	return nil
}

func (h *Handlers) createBulkNotifications(ctx context.Context, p BulkNotificationPayload) error {
	if len(p.Notifications) == 0 {
		return nil
	}
	if err := h.Notifications.CreateBulk(ctx, p.Notifications); err != nil {
		return fmt.Errorf("create %d notifications: %w", len(p.Notifications), err)
	}
	for _, n := range p.Notifications {
		h.broadcastToUser(ctx, n.UserID, "notification:new", n)
	}
	return nil
}

func (h *Handlers) notifyProjectCreated(ctx context.Context, p ProjectCreatedPayload) error {
	ns := make([]NotificationPayload, 0, len(p.MemberIDs))
	for _, memberID := range p.MemberIDs {
		if memberID == p.CreatorID {
			continue
		}
		ns = append(ns, NotificationPayload{
			UserID:    memberID,
			Kind:      "project-created",
			Title:     "Added to project " + p.ProjectName,
			ProjectID: p.ProjectID,
		})
	}
	return h.createBulkNotifications(ctx, BulkNotificationPayload{Notifications: ns})
}

func (h *Handlers) notifyUserRegistered(ctx context.Context, p UserRegisteredPayload) error {
	return h.createNotification(ctx, NotificationPayload{
		UserID: p.UserID,
		Kind:   "welcome",
		Title:  "Welcome, " + p.Name,
	})
}

func (h *Handlers) notifyUserCreated(ctx context.Context, p UserCreatedPayload) error {
	return h.createNotification(ctx, NotificationPayload{
		UserID: p.UserID,
		Kind:   "account-created",
		Title:  "Your account is ready",
	})
}

func (h *Handlers) deliverPush(ctx context.Context, p PushPayload) error {
	if err := h.Push.Deliver(ctx, p); err != nil {
		return fmt.Errorf("deliver push to user %s: %w", p.UserID, err)
	}
	return nil
}

func (h *Handlers) recordActivity(ctx context.Context, p ActivityPayload) error {
	if err := h.Activity.Record(ctx, p); err != nil {
		return fmt.Errorf("record activity in project %s: %w", p.ProjectID, err)
	}
	return nil
}

func (h *Handlers) processScheduledAnnouncements(ctx context.Context, _ struct{}) error {
	n, err := h.Announcements.ProcessScheduled(ctx)
	if err != nil {
		return fmt.Errorf("process scheduled announcements: %w", err)
	}
	if n > 0 {
		h.Logger.Info("published scheduled announcements", slog.Int("count", n))
	}
	return nil
}

func (h *Handlers) archiveExpiredAnnouncements(ctx context.Context, _ struct{}) error {
	n, err := h.Announcements.ArchiveExpired(ctx)
	if err != nil {
		return fmt.Errorf("archive expired announcements: %w", err)
	}
	if n > 0 {
		h.Logger.Info("archived expired announcements", slog.Int("count", n))
	}
	return nil
}

func (h *Handlers) cleanupTrash(ctx context.Context, _ struct{}) error {
	n, err := h.Storage.PurgeTrash(ctx, trashRetention)
	if err != nil {
		return fmt.Errorf("purge trash: %w", err)
	}
	if n > 0 {
		h.Logger.Info("purged trashed items", slog.Int("count", n))
	}
	return nil
}

// broadcastToUser pushes a real-time event to one user's channel. Failures
// are logged only: the stored notification is the source of truth and the
// client reconciles on next fetch.
func (h *Handlers) broadcastToUser(ctx context.Context, userID, event string, payload any) {
	if h.Broadcast == nil {
		return
	}
	if err := h.Broadcast.Broadcast(ctx, "user:"+userID, event, payload); err != nil {
		h.Logger.Warn("broadcast failed",
			slog.String("event", event),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
