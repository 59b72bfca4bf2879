// Copyright 2025 James Ross
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/obs"
)

// Reaper requeues intake messages stranded in a dead dispatcher's processing
// list. A processing entry with no live heartbeat means the dispatcher died
// between pop and delete; pushing the payload back to the intake list is the
// redelivery half of the visibility-timeout contract.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := strings.Replace(r.cfg.Queue.ProcessingListPattern, "%s", "*", 1)
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			dispatcherID := dispatcherIDOf(r.cfg.Queue.ProcessingListPattern, plist)
			if dispatcherID == "" {
				continue
			}
			hbKey := strings.Replace(r.cfg.Queue.HeartbeatKeyPattern, "%s", dispatcherID, 1)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			} // dispatcher healthy

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				if err := r.rdb.LPush(ctx, r.cfg.Queue.IntakeList, payload).Err(); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
					continue
				}
				obs.ReaperRecovered.Inc()
				r.log.Warn("requeued abandoned message",
					obs.String("dispatcher", dispatcherID),
					obs.String("to", r.cfg.Queue.IntakeList),
				)
			}
		}
		if cursor == 0 {
			break
		}
	}
}

// dispatcherIDOf recovers the dispatcher id from a processing list key given
// the pattern it was built with.
func dispatcherIDOf(pattern, key string) string {
	i := strings.Index(pattern, "%s")
	if i < 0 {
		return ""
	}
	prefix, suffix := pattern[:i], pattern[i+2:]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
