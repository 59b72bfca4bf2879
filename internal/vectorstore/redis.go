// Copyright 2025 James Ross
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a brute-force vector store: one string key per chunk holding
// the vector and flat metadata as JSON. Query scans the prefix and scores by
// cosine similarity. Suitable for the per-user corpus sizes this pipeline
// produces; the VectorStore interface keeps a managed index swappable.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lifestream:chunks"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

type record struct {
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *RedisStore) chunkKey(id string) string { return s.prefix + ":" + id }

func (s *RedisStore) Upsert(ctx context.Context, vectors [][]float32, metadatas []map[string]interface{}, ids []string) error {
	if len(vectors) != len(ids) || len(metadatas) != len(ids) {
		return fmt.Errorf("vectorstore upsert: mismatched lengths %d/%d/%d", len(vectors), len(metadatas), len(ids))
	}
	pipe := s.rdb.Pipeline()
	for i, id := range ids {
		b, err := json.Marshal(record{Vector: vectors[i], Metadata: metadatas[i]})
		if err != nil {
			return fmt.Errorf("vectorstore marshal %s: %w", id, err)
		}
		pipe.Set(ctx, s.chunkKey(id), b, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Query(ctx context.Context, vector []float32, topK int, filters map[string]interface{}) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	var matches []Match
	err := s.scan(ctx, s.prefix+":*", func(key string, rec record) bool {
		if !matchesFilter(rec.Metadata, filters) {
			return true
		}
		matches = append(matches, Match{
			ID:       strings.TrimPrefix(key, s.prefix+":"),
			Score:    cosine(vector, rec.Vector),
			Metadata: rec.Metadata,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *RedisStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.chunkKey(id)
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// DeleteByFilter removes every chunk whose metadata matches the filter and
// returns the number deleted. Used when a job is deleted.
func (s *RedisStore) DeleteByFilter(ctx context.Context, filter map[string]interface{}) (int, error) {
	var doomed []string
	err := s.scan(ctx, s.prefix+":*", func(key string, rec record) bool {
		if matchesFilter(rec.Metadata, filter) {
			doomed = append(doomed, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.rdb.Del(ctx, doomed...).Err(); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func (s *RedisStore) ListAllChunks(ctx context.Context, prefix string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 1000
	}
	pattern := s.prefix + ":" + prefix + "*"
	var out []map[string]interface{}
	err := s.scan(ctx, pattern, func(_ string, rec record) bool {
		out = append(out, rec.Metadata)
		return len(out) < limit
	})
	return out, err
}

func (s *RedisStore) scan(ctx context.Context, pattern string, fn func(key string, rec record) bool) error {
	var cursor uint64
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("vectorstore scan: %w", err)
		}
		cursor = cur
		for _, k := range keys {
			raw, err := s.rdb.Get(ctx, k).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return fmt.Errorf("vectorstore read %s: %w", k, err)
			}
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			if !fn(k, rec) {
				return nil
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func matchesFilter(metadata, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
