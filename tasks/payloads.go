package tasks

// Job type names. The catalog is closed: handler bindings cover exactly
// this set, and worker startup verifies the coverage before any job is
// dispatched.
const (
	TypeEmailSend           = "email:send"
	TypeEmailSendBulk       = "email:send-bulk"
	TypeEmailProjectMembers = "email:project-members"

	TypeNotificationCreate         = "notification:create"
	TypeNotificationCreateBulk     = "notification:create-bulk"
	TypeNotificationProjectCreated = "notification:project-created"
	TypeNotificationUserRegistered = "notification:user-registered"
	TypeNotificationUserCreated    = "notification:user-created"

	TypePushDeliver = "push:deliver"

	TypeActivityRecord = "activity:record"

	TypeAnnouncementProcessScheduled = "announcement:process-scheduled"
	TypeAnnouncementArchiveExpired   = "announcement:archive-expired"

	TypeMaintenanceCleanupTrash = "maintenance:cleanup-trash"
)

// Catalog returns the full job type catalog.
func Catalog() []string {
	return []string{
		TypeEmailSend,
		TypeEmailSendBulk,
		TypeEmailProjectMembers,
		TypeNotificationCreate,
		TypeNotificationCreateBulk,
		TypeNotificationProjectCreated,
		TypeNotificationUserRegistered,
		TypeNotificationUserCreated,
		TypePushDeliver,
		TypeActivityRecord,
		TypeAnnouncementProcessScheduled,
		TypeAnnouncementArchiveExpired,
		TypeMaintenanceCleanupTrash,
	}
}

// EmailPayload is one outbound email.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// BulkEmailPayload is one message delivered to many recipients by a
// single job.
type BulkEmailPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTML       string   `json:"html"`
}

// ProjectEmailPayload addresses one email to a set of project members.
// Member IDs are resolved to addresses at execution time through the
// MemberDirectory collaborator, so membership changes between submit and
// run are honored.
type ProjectEmailPayload struct {
	ProjectID string   `json:"project_id"`
	MemberIDs []string `json:"member_ids"`
	Subject   string   `json:"subject"`
	HTML      string   `json:"html"`
}

// NotificationPayload is one in-app notification.
type NotificationPayload struct {
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Link      string `json:"link,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// BulkNotificationPayload is a batch of notifications created by one job.
type BulkNotificationPayload struct {
	Notifications []NotificationPayload `json:"notifications"`
}

// ProjectCreatedPayload notifies every member of a newly created project.
type ProjectCreatedPayload struct {
	ProjectID   string   `json:"project_id"`
	ProjectName string   `json:"project_name"`
	CreatorID   string   `json:"creator_id"`
	MemberIDs   []string `json:"member_ids"`
}

// UserRegisteredPayload greets a self-registered user.
type UserRegisteredPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// UserCreatedPayload notifies a user whose account was created for them.
type UserCreatedPayload struct {
	UserID    string `json:"user_id"`
	CreatedBy string `json:"created_by"`
}

// PushPayload is one push notification delivery.
type PushPayload struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// ActivityPayload is one project activity record.
type ActivityPayload struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	TargetID  string `json:"target_id,omitempty"`
}
