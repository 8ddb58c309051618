package tasks

import "github.com/devstarkedge/conveyor/schedule"

// Schedule keys. Fixed identifiers keep registration idempotent across
// restarts and instances.
const (
	ScheduleAnnouncementProcess = "sched:announcement-process"
	ScheduleAnnouncementArchive = "sched:announcement-archive"
	ScheduleTrashCleanup        = "sched:trash-cleanup"
)

// Schedules returns the repeatable schedule declarations. Trash cleanup
// also runs once at boot so a long-stopped deployment does not wait six
// hours to catch up.
func Schedules() []*schedule.Definition {
	return []*schedule.Definition{
		{
			Key:     ScheduleAnnouncementProcess,
			Spec:    "@every 30s",
			JobType: TypeAnnouncementProcessScheduled,
			Queue:   QueueAnnouncement,
		},
		{
			Key:     ScheduleAnnouncementArchive,
			Spec:    "@every 5m",
			JobType: TypeAnnouncementArchiveExpired,
			Queue:   QueueAnnouncement,
		},
		{
			Key:       ScheduleTrashCleanup,
			Spec:      "@every 6h",
			JobType:   TypeMaintenanceCleanupTrash,
			Queue:     QueueMaintenance,
			RunAtBoot: true,
		},
	}
}
