// Copyright 2025 James Ross
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/jobstore"
	"github.com/flyingrobots/lifestream/internal/memory"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

type StatsResult struct {
	Queues          map[string]int64 `json:"queues"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
	JobsByStatus    map[string]int   `json:"jobs_by_status"`
}

// Stats summarizes queue lengths, in-flight processing lists, and job counts.
func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client, jobs *jobstore.Store) (StatsResult, error) {
	res := StatsResult{
		Queues:          map[string]int64{},
		ProcessingLists: map[string]int64{},
		JobsByStatus:    map[string]int{},
	}
	qset := map[string]string{
		"intake":      cfg.Queue.IntakeList,
		"dead_letter": cfg.Queue.DeadLetterList,
	}
	for name, key := range qset {
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, err
		}
		res.Queues[name+"("+key+")"] = n
	}

	pattern := strings.Replace(cfg.Queue.ProcessingListPattern, "%s", "*", 1)
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			res.ProcessingLists[k] = n
		}
		if cursor == 0 {
			break
		}
	}

	all, err := jobs.List(ctx, "", 0)
	if err != nil {
		return res, err
	}
	for _, j := range all {
		res.JobsByStatus[j.Status]++
	}
	return res, nil
}

type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

// Peek returns the last n items of a queue alias (intake, dead_letter) or a
// full key.
func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, queueAlias string, n int64) (PeekResult, error) {
	qkey, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return PeekResult{}, err
	}
	if n <= 0 {
		n = 10
	}
	// Items to be consumed next are at the right end; take last N
	items, err := rdb.LRange(ctx, qkey, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: qkey, Items: items}, nil
}

func PurgeDLQ(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
	if cfg.Queue.DeadLetterList == "" {
		return errors.New("dead letter list not configured")
	}
	return rdb.Del(ctx, cfg.Queue.DeadLetterList).Err()
}

func resolveQueue(cfg *config.Config, alias string) (string, error) {
	switch strings.ToLower(alias) {
	case "intake":
		return cfg.Queue.IntakeList, nil
	case "dead_letter", "dlq":
		return cfg.Queue.DeadLetterList, nil
	}
	if strings.HasPrefix(alias, "lifestream:") {
		return alias, nil
	}
	return "", fmt.Errorf("unknown queue alias %q; known: intake, dead_letter or full key starting with lifestream:", alias)
}

// ListJobs returns job status views, optionally filtered.
func ListJobs(ctx context.Context, jobs *jobstore.Store, statusFilter string, limit int) ([]jobstore.StatusView, error) {
	all, err := jobs.List(ctx, statusFilter, limit)
	if err != nil {
		return nil, err
	}
	views := make([]jobstore.StatusView, 0, len(all))
	for _, j := range all {
		views = append(views, jobstore.Status(j))
	}
	return views, nil
}

type DeleteJobResult struct {
	JobID         string `json:"job_id"`
	ChunksDeleted int    `json:"chunks_deleted"`
}

// DeleteJob removes a job record and purges every indexed chunk belonging to
// its video. The purge runs first so a crash cannot orphan chunks behind a
// deleted job.
func DeleteJob(ctx context.Context, jobs *jobstore.Store, store vectorstore.VectorStore, jobID string, log *zap.Logger) (DeleteJobResult, error) {
	res := DeleteJobResult{JobID: jobID}
	j, err := jobs.Get(ctx, jobID)
	if err != nil {
		return res, err
	}
	if j == nil {
		return res, fmt.Errorf("job not found: %s", jobID)
	}
	videoID := j.ObjectBucket + "/" + j.ObjectKey
	n, err := memory.PurgeVideo(ctx, store, videoID)
	if err != nil {
		return res, fmt.Errorf("purge chunks for %s: %w", videoID, err)
	}
	res.ChunksDeleted = n
	if err := jobs.Delete(ctx, jobID); err != nil {
		return res, err
	}
	log.Info("deleted job", zap.String("job_id", jobID), zap.Int("chunks_deleted", n))
	return res, nil
}
