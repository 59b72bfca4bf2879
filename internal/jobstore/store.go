// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/obs"
)

const maxListLimit = 500

// Store keeps job records in Redis hashes, one hash per job plus an id set
// for listing. All writes stamp updated_at.
type Store struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func New(rdb *redis.Client, prefix string, log *zap.Logger) *Store {
	if prefix == "" {
		prefix = "lifestream:jobs"
	}
	return &Store{rdb: rdb, prefix: prefix, log: log}
}

func (s *Store) jobKey(jobID string) string { return fmt.Sprintf("%s:job:%s", s.prefix, jobID) }
func (s *Store) idsKey() string             { return s.prefix + ":ids" }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Create conditionally inserts a queued job record. Returns created=false
// without error when the job already exists.
func (s *Store) Create(ctx context.Context, jobID, objectKey, objectBucket, objectVersion string) (bool, error) {
	key := s.jobKey(jobID)
	ok, err := s.rdb.HSetNX(ctx, key, "job_id", jobID).Result()
	if err != nil {
		return false, fmt.Errorf("jobstore create %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}
	now := nowISO()
	fields := map[string]interface{}{
		"status":        StatusQueued,
		"current_stage": StageQueued,
		"object_key":    objectKey,
		"object_bucket": objectBucket,
		"created_at":    now,
		"updated_at":    now,
	}
	if objectVersion != "" {
		fields["object_version"] = objectVersion
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return false, fmt.Errorf("jobstore create fields %s: %w", jobID, err)
	}
	if err := s.rdb.SAdd(ctx, s.idsKey(), jobID).Err(); err != nil {
		return false, fmt.Errorf("jobstore index %s: %w", jobID, err)
	}
	s.log.Info("created job", obs.String("job_id", jobID), obs.String("object_key", objectKey))
	return true, nil
}

// Get fetches a job. Returns (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore get %s: %w", jobID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return jobFromHash(m), nil
}

// Update is a partial SET-style update. Nil pointer fields are untouched;
// Timings replaces the whole map (the caller merges first). updated_at is
// always rewritten.
type Update struct {
	Status           *string
	CurrentStage     *string
	ErrorMessage     *string
	ResultKey        *string
	FailureReportKey *string
	TaskHandle       *string
	Timings          map[string]int64
}

func (s *Store) Update(ctx context.Context, jobID string, u Update) error {
	fields := map[string]interface{}{"updated_at": nowISO()}
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.CurrentStage != nil {
		fields["current_stage"] = *u.CurrentStage
	}
	if u.ErrorMessage != nil {
		fields["error_message"] = *u.ErrorMessage
	}
	if u.ResultKey != nil {
		fields["result_key"] = *u.ResultKey
	}
	if u.FailureReportKey != nil {
		fields["failure_report_key"] = *u.FailureReportKey
	}
	if u.TaskHandle != nil {
		fields["task_handle"] = *u.TaskHandle
	}
	if u.Timings != nil {
		b, err := json.Marshal(u.Timings)
		if err != nil {
			return fmt.Errorf("jobstore marshal timings: %w", err)
		}
		fields["timings"] = string(b)
	}
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), fields).Err(); err != nil {
		return fmt.Errorf("jobstore update %s: %w", jobID, err)
	}
	return nil
}

// List scans jobs, optionally filtered by status. limit caps at 500.
func (s *Store) List(ctx context.Context, statusFilter string, limit int) ([]*Job, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	ids, err := s.rdb.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore list ids: %w", err)
	}
	jobs := make([]*Job, 0, limit)
	for _, id := range ids {
		if len(jobs) >= limit {
			break
		}
		m, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
		if err != nil {
			s.log.Warn("jobstore list read failed", obs.String("job_id", id), obs.Err(err))
			continue
		}
		if len(m) == 0 {
			continue
		}
		j := jobFromHash(m)
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// FindQueuedByObjectKey returns the job_id of a queued job for objectKey, or
// "" when none exists. Used by the dispatcher to adopt confirm-created jobs.
func (s *Store) FindQueuedByObjectKey(ctx context.Context, objectKey string) (string, error) {
	jobs, err := s.List(ctx, StatusQueued, maxListLimit)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.ObjectKey == objectKey {
			return j.JobID, nil
		}
	}
	return "", nil
}

// Delete removes the job record unconditionally.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, s.jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("jobstore delete %s: %w", jobID, err)
	}
	return s.rdb.SRem(ctx, s.idsKey(), jobID).Err()
}

func jobFromHash(m map[string]string) *Job {
	j := &Job{
		JobID:            m["job_id"],
		Status:           m["status"],
		CurrentStage:     m["current_stage"],
		ObjectKey:        m["object_key"],
		ObjectBucket:     m["object_bucket"],
		ObjectVersion:    m["object_version"],
		ResultKey:        m["result_key"],
		FailureReportKey: m["failure_report_key"],
		ErrorMessage:     m["error_message"],
		TaskHandle:       m["task_handle"],
		CreatedAt:        m["created_at"],
		UpdatedAt:        m["updated_at"],
	}
	if raw := m["timings"]; raw != "" {
		var t map[string]int64
		if err := json.Unmarshal([]byte(raw), &t); err == nil {
			j.Timings = t
		}
	}
	return j
}
