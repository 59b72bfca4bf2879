// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/events"
	"github.com/flyingrobots/lifestream/internal/idempotency"
	"github.com/flyingrobots/lifestream/internal/jobstore"
	"github.com/flyingrobots/lifestream/internal/objstore"
	"github.com/flyingrobots/lifestream/internal/obs"
	"github.com/flyingrobots/lifestream/internal/pipeline"
)

// TaskLauncher starts one isolated executor task for a job and returns an
// opaque handle identifying the running instance.
type TaskLauncher interface {
	Launch(ctx context.Context, spec pipeline.JobSpec) (string, error)
}

type objectHeader interface {
	Head(ctx context.Context, key, bucket string) (*objstore.ObjectInfo, error)
}

// Dispatcher converts intake messages into running executor tasks exactly
// once. It is a single-threaded loop: each message is handled to completion
// before the next, which keeps queue-delete ordering trivial to reason about.
//
// A message moves intake -> processing list on pop and is LREM'd only after
// the executor is launched; the reaper requeues processing entries whose
// dispatcher heartbeat is gone, giving redelivery-after-visibility-timeout
// semantics.
type Dispatcher struct {
	cfg      *config.Config
	rdb      *redis.Client
	jobs     *jobstore.Store
	guard    *idempotency.Guard
	store    objectHeader
	launcher TaskLauncher
	log      *zap.Logger
	id       string
}

func New(cfg *config.Config, rdb *redis.Client, jobs *jobstore.Store, guard *idempotency.Guard, store objectHeader, launcher TaskLauncher, log *zap.Logger) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		cfg:      cfg,
		rdb:      rdb,
		jobs:     jobs,
		guard:    guard,
		store:    store,
		launcher: launcher,
		log:      log,
		id:       fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (d *Dispatcher) procList() string {
	return fmt.Sprintf(d.cfg.Queue.ProcessingListPattern, d.id)
}

func (d *Dispatcher) hbKey() string {
	return fmt.Sprintf(d.cfg.Queue.HeartbeatKeyPattern, d.id)
}

// Run consumes the intake queue until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		_ = d.rdb.Set(ctx, d.hbKey(), d.id, d.cfg.Queue.HeartbeatTTL).Err()

		payload, err := d.rdb.BRPopLPush(ctx, d.cfg.Queue.IntakeList, d.procList(), d.cfg.Queue.BRPopLPushTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Warn("BRPOPLPUSH error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if _, err := d.dispatchOne(ctx, payload); err != nil {
			// Transient step failure: make the message visible again and
			// back off so a persistent failure cannot spin the loop.
			d.requeue(ctx, payload)
			d.log.Warn("dispatch failed, message requeued", obs.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// DrainOnce processes every currently visible intake message and returns how
// many executor tasks were dispatched. An empty queue dispatches zero.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	dispatched := 0
	for {
		payload, err := d.rdb.LMove(ctx, d.cfg.Queue.IntakeList, d.procList(), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return dispatched, nil
		}
		if err != nil {
			return dispatched, fmt.Errorf("pop intake: %w", err)
		}
		ok, err := d.dispatchOne(ctx, payload)
		if err != nil {
			d.requeue(ctx, payload)
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
}

// dispatchOne runs the per-message algorithm. It returns (true, nil) when an
// executor was launched, (false, nil) when the message was discarded as a
// duplicate, deferral, or dead letter, and an error when a retry-safe step
// failed and the message should become visible again.
func (d *Dispatcher) dispatchOne(ctx context.Context, payload string) (bool, error) {
	ctx, span := obs.StartDispatchSpan(ctx, "")
	defer span.End()

	msg, err := events.Parse([]byte(payload), d.cfg.ObjectStore.Bucket)
	if err != nil {
		// Deterministically malformed: redelivery cannot help.
		if errors.Is(err, events.ErrMalformedMessage) {
			d.deadLetter(ctx, payload, err)
			return false, nil
		}
		return false, err
	}

	jobID := msg.JobID
	if msg.UploadEvent {
		existing, err := d.jobs.FindQueuedByObjectKey(ctx, msg.ObjectKey)
		if err != nil {
			return false, fmt.Errorf("find queued job for %s: %w", msg.ObjectKey, err)
		}
		if existing == "" {
			// No confirm-created job yet: drop the event and wait for the
			// confirmation to drive the dispatch.
			d.log.Info("upload event before confirmation, deferring",
				obs.String("object_key", msg.ObjectKey))
			obs.JobsDeferred.Inc()
			d.deleteMessage(ctx, payload)
			return false, nil
		}
		jobID = existing
		d.log.Info("adopted confirm-created job for upload event",
			obs.String("job_id", jobID), obs.String("object_key", msg.ObjectKey))
	}

	info, err := d.store.Head(ctx, msg.ObjectKey, msg.ObjectBucket)
	if err != nil {
		return false, fmt.Errorf("head %s/%s: %w", msg.ObjectBucket, msg.ObjectKey, err)
	}
	if info == nil {
		// The referenced object is gone; this message can never dispatch.
		d.deadLetter(ctx, payload, fmt.Errorf("object not found: %s/%s", msg.ObjectBucket, msg.ObjectKey))
		return false, nil
	}

	claimed, err := d.guard.Claim(ctx, msg.ObjectKey, info.Version)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", idempotency.Key(msg.ObjectKey, info.Version), err)
	}
	if !claimed {
		d.log.Info("duplicate message, claim already held",
			obs.String("object_key", msg.ObjectKey), obs.String("object_version", info.Version))
		obs.JobsDuplicate.Inc()
		d.deleteMessage(ctx, payload)
		return false, nil
	}

	// The confirmation path may have created the record already; accept it.
	if _, err := d.jobs.Create(ctx, jobID, msg.ObjectKey, msg.ObjectBucket, info.Version); err != nil {
		return false, fmt.Errorf("create job %s: %w", jobID, err)
	}

	spec := pipeline.JobSpec{JobID: jobID, ObjectBucket: msg.ObjectBucket, ObjectKey: msg.ObjectKey}
	handle, err := d.launcher.Launch(ctx, spec)
	if err != nil {
		// Do not delete the message; redelivery reuses the held claim.
		return false, fmt.Errorf("launch executor for %s: %w", jobID, err)
	}

	if err := d.jobs.Update(ctx, jobID, jobstore.Update{TaskHandle: &handle}); err != nil {
		d.log.Warn("task_handle update failed (non-fatal)", obs.String("job_id", jobID), obs.Err(err))
	}
	d.deleteMessage(ctx, payload)
	obs.JobsDispatched.Inc()
	obs.SetSpanSuccess(ctx)
	d.log.Info("dispatched job",
		obs.String("job_id", jobID),
		obs.String("object_key", msg.ObjectKey),
		obs.String("task_handle", handle),
	)
	return true, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, payload string) {
	if err := d.rdb.LRem(ctx, d.procList(), 1, payload).Err(); err != nil {
		d.log.Warn("delete message failed", obs.Err(err))
	}
}

func (d *Dispatcher) requeue(ctx context.Context, payload string) {
	if err := d.rdb.LPush(ctx, d.cfg.Queue.IntakeList, payload).Err(); err != nil {
		d.log.Error("requeue failed", obs.Err(err))
		return
	}
	d.deleteMessage(ctx, payload)
}

func (d *Dispatcher) deadLetter(ctx context.Context, payload string, cause error) {
	d.log.Warn("message dead-lettered", obs.Err(cause))
	if err := d.rdb.LPush(ctx, d.cfg.Queue.DeadLetterList, payload).Err(); err != nil {
		d.log.Error("dead letter push failed", obs.Err(err))
	}
	d.deleteMessage(ctx, payload)
	obs.MessagesDeadLetter.Inc()
}
