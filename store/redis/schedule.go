package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/schedule"
)

// RegisterSchedule stores a schedule entry. A second registration with the
// same key is rejected with conveyor.ErrDuplicateSchedule so boots are
// idempotent across processes.
func (s *Store) RegisterSchedule(ctx context.Context, entry *schedule.Entry) error {
	added, err := s.client.HSetNX(ctx, scheduleKeysKey, entry.Key, entry.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: register schedule key: %w", err)
	}
	if !added {
		return conveyor.ErrDuplicateSchedule
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("conveyor/redis: marshal schedule: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(entry.ID.String()), data, 0)
	pipe.SAdd(ctx, scheduleIDsKey, entry.ID.String())
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: register schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	data, err := s.client.Get(ctx, scheduleKey(entryID.String())).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get schedule: %w", err)
	}

	var entry schedule.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("conveyor/redis: unmarshal schedule: %w", err)
	}
	return &entry, nil
}

// ListSchedules returns all registered schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	ids, err := s.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list schedules: %w", err)
	}

	entries := make([]*schedule.Entry, 0, len(ids))
	for _, eID := range ids {
		parsed, parseErr := id.ParseScheduleID(eID)
		if parseErr != nil {
			continue
		}
		entry, getErr := s.GetSchedule(ctx, parsed)
		if getErr != nil {
			continue // entry deleted between SMembers and Get
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AcquireScheduleLock takes a firing lock for the entry. It returns false
// without error when another worker holds the lock; at most one worker
// fires a given entry per tick.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, scheduleLockKey(entryID.String()), workerID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: acquire schedule lock: %w", err)
	}
	return ok, nil
}

// ReleaseScheduleLock releases a firing lock if held by the given worker.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	lockKey := scheduleLockKey(entryID.String())
	holder, err := s.client.Get(ctx, lockKey).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil
		}
		return fmt.Errorf("conveyor/redis: release schedule lock: %w", err)
	}
	if holder != workerID.String() {
		return nil // lock expired and was retaken, leave it alone
	}
	if err := s.client.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: release schedule lock: %w", err)
	}
	return nil
}

// UpdateScheduleRun records a firing: LastRunAt and NextRunAt.
func (s *Store) UpdateScheduleRun(ctx context.Context, entry *schedule.Entry) error {
	if _, err := s.GetSchedule(ctx, entry.ID); err != nil {
		return err
	}

	entry.Touch()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("conveyor/redis: marshal schedule: %w", err)
	}
	if err := s.client.Set(ctx, scheduleKey(entry.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: update schedule run: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule entry and its key reservation.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	entry, err := s.GetSchedule(ctx, entryID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(entryID.String()))
	pipe.Del(ctx, scheduleLockKey(entryID.String()))
	pipe.SRem(ctx, scheduleIDsKey, entryID.String())
	pipe.HDel(ctx, scheduleKeysKey, entry.Key)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete schedule: %w", err)
	}
	return nil
}
