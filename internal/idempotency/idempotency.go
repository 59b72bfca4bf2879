// Copyright 2025 James Ross
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusDispatched = "dispatched"
	StatusProcessed  = "processed"
)

// Record is one row of the idempotency table.
type Record struct {
	ObjectKey     string `json:"object_key"`
	ObjectVersion string `json:"object_version"`
	Status        string `json:"status"`
	ResultKey     string `json:"result_key,omitempty"`
	ProcessedAt   string `json:"processed_at,omitempty"`
}

// Guard deduplicates processing across upload-event retries and queue
// redeliveries by claiming (object_key, object_version) tuples at most once.
// Records carry no TTL; cleanup is a deployment concern, and Release exists
// for operator replay after an executor crash.
type Guard struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Guard {
	if prefix == "" {
		prefix = "lifestream:idempotency"
	}
	return &Guard{rdb: rdb, prefix: prefix}
}

// Key builds the stable idempotency key for a tuple.
func Key(objectKey, objectVersion string) string {
	return objectKey + "|" + objectVersion
}

func (g *Guard) recordKey(objectKey, objectVersion string) string {
	return fmt.Sprintf("%s:%s", g.prefix, Key(objectKey, objectVersion))
}

// claimScript inserts the record only when the key does not exist.
// Returns 1 when claimed, 0 when the key was already held.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'object_key', ARGV[1], 'object_version', ARGV[2], 'status', ARGV[3])
return 1
`)

// Claim conditionally asserts processing rights over the tuple. Returns
// claimed=false when another dispatch already holds it.
func (g *Guard) Claim(ctx context.Context, objectKey, objectVersion string) (bool, error) {
	res, err := claimScript.Run(ctx, g.rdb,
		[]string{g.recordKey(objectKey, objectVersion)},
		objectKey, objectVersion, StatusDispatched,
	).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency claim %s: %w", Key(objectKey, objectVersion), err)
	}
	return res == 1, nil
}

// MarkProcessed unconditionally upserts the record as processed. Called only
// after the executor finishes successfully.
func (g *Guard) MarkProcessed(ctx context.Context, objectKey, objectVersion, resultKey string) error {
	fields := map[string]interface{}{
		"object_key":     objectKey,
		"object_version": objectVersion,
		"status":         StatusProcessed,
		"processed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if resultKey != "" {
		fields["result_key"] = resultKey
	}
	if err := g.rdb.HSet(ctx, g.recordKey(objectKey, objectVersion), fields).Err(); err != nil {
		return fmt.Errorf("idempotency mark processed %s: %w", Key(objectKey, objectVersion), err)
	}
	return nil
}

// IsProcessed is a non-authoritative fast-path check before Claim.
func (g *Guard) IsProcessed(ctx context.Context, objectKey, objectVersion string) (bool, error) {
	status, err := g.rdb.HGet(ctx, g.recordKey(objectKey, objectVersion), "status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", Key(objectKey, objectVersion), err)
	}
	return status == StatusProcessed, nil
}

// Get fetches the record, or nil when the tuple was never claimed.
func (g *Guard) Get(ctx context.Context, objectKey, objectVersion string) (*Record, error) {
	m, err := g.rdb.HGetAll(ctx, g.recordKey(objectKey, objectVersion)).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency get %s: %w", Key(objectKey, objectVersion), err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return &Record{
		ObjectKey:     m["object_key"],
		ObjectVersion: m["object_version"],
		Status:        m["status"],
		ResultKey:     m["result_key"],
		ProcessedAt:   m["processed_at"],
	}, nil
}

// Release deletes the claim so an operator can replay a crashed job.
func (g *Guard) Release(ctx context.Context, objectKey, objectVersion string) error {
	return g.rdb.Del(ctx, g.recordKey(objectKey, objectVersion)).Err()
}
