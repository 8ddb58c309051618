package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/devstarkedge/conveyor"
	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
)

// jobScore computes the waiting-set score from run-at and priority. Due
// time dominates: a job is eligible once its score is at or below the
// current score for "now". Priority is a hint that orders jobs due in the
// same millisecond, higher first.
func jobScore(runAt time.Time, priority int) float64 {
	p := priority
	if p < 0 {
		p = 0
	}
	if p > 999 {
		p = 999
	}
	return float64(runAt.UnixMilli()*1000 + int64(999-p))
}

// nowCeiling returns the highest score considered due at t.
func nowCeiling(t time.Time) float64 {
	return float64(t.UnixMilli()*1000 + 999)
}

// EnqueueJob stores the job as a Hash and adds it to the queue's waiting
// Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, waitingKey(j.Queue), goredis.Z{
		Score:  jobScore(j.RunAt, j.Priority),
		Member: jID,
	})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs claims up to limit due jobs from the queue. The claim is the
// ZRem: only the instance that removes the member owns the job, so two
// pools polling the same queue never double-claim in the normal case.
func (s *Store) DequeueJobs(ctx context.Context, queue string, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()

	candidates, err := s.client.ZRangeByScore(ctx, waitingKey(queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(nowCeiling(now), 'f', 0, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: dequeue range: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range candidates {
		removed, remErr := s.client.ZRem(ctx, waitingKey(queue), jID).Result()
		if remErr != nil {
			return jobs, fmt.Errorf("conveyor/redis: dequeue claim: %w", remErr)
		}
		if removed == 0 {
			continue // another instance claimed it first
		}

		key := jobKey(jID)
		stamp := now.Format(time.RFC3339Nano)
		if setErr := s.client.HSet(ctx, key,
			"state", string(job.StateActive),
			"started_at", stamp,
			"heartbeat_at", stamp,
			"updated_at", stamp,
		).Err(); setErr != nil {
			return jobs, fmt.Errorf("conveyor/redis: dequeue activate: %w", setErr)
		}

		j, getErr := s.getJobByKey(ctx, key)
		if getErr != nil {
			return jobs, getErr
		}
		jobs = append(jobs, j)
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job and reconciles the queue
// indexes with the job's state: waiting and delayed jobs live in the
// waiting set scored by due time; completed and failed jobs live in their
// terminal set scored by finish time.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	j.Touch()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))

	switch j.State {
	case job.StateWaiting, job.StateDelayed:
		pipe.ZAdd(ctx, waitingKey(j.Queue), goredis.Z{
			Score:  jobScore(j.RunAt, j.Priority),
			Member: jID,
		})
		pipe.ZRem(ctx, finishedKey(j.Queue, string(job.StateCompleted)), jID)
		pipe.ZRem(ctx, finishedKey(j.Queue, string(job.StateFailed)), jID)
	case job.StateCompleted, job.StateFailed:
		finishedAt := time.Now().UTC()
		if j.CompletedAt != nil {
			finishedAt = *j.CompletedAt
		}
		pipe.ZRem(ctx, waitingKey(j.Queue), jID)
		pipe.ZAdd(ctx, finishedKey(j.Queue, string(j.State)), goredis.Z{
			Score:  float64(finishedAt.UnixMilli()),
			Member: jID,
		})
	case job.StateActive:
		pipe.ZRem(ctx, waitingKey(j.Queue), jID)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and all its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	queue, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if isRedisNil(err) {
			return conveyor.ErrJobNotFound
		}
		return fmt.Errorf("conveyor/redis: delete job get queue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, waitingKey(queue), jID)
	pipe.ZRem(ctx, finishedKey(queue, string(job.StateCompleted)), jID)
	pipe.ZRem(ctx, finishedKey(queue, string(job.StateFailed)), jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		jobs = append(jobs, j)
	}

	if opts.Offset >= len(jobs) {
		return nil, nil
	}
	if opts.Offset > 0 {
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// HeartbeatJob updates the heartbeat timestamp for an active job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := jobKey(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Err()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStaleActive returns active jobs whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleActive(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateActive {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// TrimFinished applies a retention bound to one queue and terminal state.
func (s *Store) TrimFinished(ctx context.Context, queue string, state job.State, keepCount int, keepAge time.Duration) (int64, error) {
	setKey := finishedKey(queue, string(state))
	var victims []string

	if keepAge > 0 {
		cutoff := time.Now().UTC().Add(-keepAge)
		aged, err := s.client.ZRangeByScore(ctx, setKey, &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("conveyor/redis: trim by age: %w", err)
		}
		victims = append(victims, aged...)
	}

	if keepCount > 0 {
		card, err := s.client.ZCard(ctx, setKey).Result()
		if err != nil {
			return 0, fmt.Errorf("conveyor/redis: trim zcard: %w", err)
		}
		if excess := card - int64(keepCount); excess > 0 {
			oldest, rangeErr := s.client.ZRange(ctx, setKey, 0, excess-1).Result()
			if rangeErr != nil {
				return 0, fmt.Errorf("conveyor/redis: trim by count: %w", rangeErr)
			}
			victims = append(victims, oldest...)
		}
	}

	return s.removeFinished(ctx, setKey, victims)
}

// PurgeFinishedBefore removes up to limit finished records older than
// cutoff in the queue, across both terminal states. Waiting, delayed, and
// active jobs live in other sets and are never candidates.
func (s *Store) PurgeFinishedBefore(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	var total int64
	for _, state := range []job.State{job.StateCompleted, job.StateFailed} {
		if limit > 0 && total >= int64(limit) {
			break
		}
		remaining := int64(limit) - total

		setKey := finishedKey(queue, string(state))
		rangeBy := &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
		}
		if limit > 0 {
			rangeBy.Count = remaining
		}
		aged, err := s.client.ZRangeByScore(ctx, setKey, rangeBy).Result()
		if err != nil {
			return total, fmt.Errorf("conveyor/redis: purge range: %w", err)
		}

		removed, remErr := s.removeFinished(ctx, setKey, aged)
		total += removed
		if remErr != nil {
			return total, remErr
		}
	}
	return total, nil
}

// removeFinished deletes finished job records and their index entries.
func (s *Store) removeFinished(ctx context.Context, setKey string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(ids))
	pipe := s.client.TxPipeline()
	var count int64
	for _, jID := range ids {
		if seen[jID] {
			continue
		}
		seen[jID] = true
		pipe.ZRem(ctx, setKey, jID)
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		count++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("conveyor/redis: remove finished: %w", err)
	}
	return count, nil
}

// ── hash mapping ──

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":           j.ID.String(),
		"type":         j.Type,
		"queue":        j.Queue,
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"priority":     strconv.Itoa(j.Priority),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"attempts":     strconv.Itoa(j.Attempts),
		"last_error":   j.LastError,
		"repeat_key":   j.RepeatKey,
		"worker_id":    j.WorkerID.String(),
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"timeout":      strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])            //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])     //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])            //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)  //nolint:errcheck // best-effort parse from trusted Redis data
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          jID,
		Type:        m["type"],
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Attempts:    attempts,
		LastError:   m["last_error"],
		RepeatKey:   m["repeat_key"],
		RunAt:       runAt,
		Timeout:     time.Duration(timeout),
	}

	if wID := m["worker_id"]; wID != "" {
		if parsed, wErr := id.ParseWorkerID(wID); wErr == nil {
			j.WorkerID = parsed
		}
	}
	for field, dst := range map[string]**time.Time{
		"started_at":   &j.StartedAt,
		"completed_at": &j.CompletedAt,
		"heartbeat_at": &j.HeartbeatAt,
	} {
		if raw := m[field]; raw != "" {
			if t, tErr := time.Parse(time.RFC3339Nano, raw); tErr == nil {
				*dst = &t
			}
		}
	}
	return j, nil
}
