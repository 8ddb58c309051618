package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Job keys ──

// jobKey returns the key for a job record: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// waitingKey returns the Sorted Set of waiting/delayed jobs for a queue,
// scored by due time and priority: conveyor:queue:{name}
func waitingKey(queue string) string { return keyPrefix + "queue:" + queue }

// finishedKey returns the Sorted Set of finished jobs for a queue and
// terminal state, scored by finish time:
// conveyor:queue:{name}:completed / conveyor:queue:{name}:failed
func finishedKey(queue, state string) string {
	return keyPrefix + "queue:" + queue + ":" + state
}

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "jobs"

// ── Schedule keys ──

// scheduleKey returns the key for a schedule entry: conveyor:schedule:{id}
func scheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// scheduleLockKey returns the firing-lock key for a schedule entry.
func scheduleLockKey(id string) string { return keyPrefix + "schedule_lock:" + id }

// scheduleIDsKey is the Set tracking all schedule entry IDs.
const scheduleIDsKey = keyPrefix + "schedules"

// scheduleKeysKey maps fixed schedule keys to entry IDs for duplicate
// detection.
const scheduleKeysKey = keyPrefix + "schedule_keys"
