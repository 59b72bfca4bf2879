// Copyright 2025 James Ross
package vectorstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(rdb, "test:chunks"), func() {
		rdb.Close()
		mr.Close()
	}
}

func seed(t *testing.T, s *RedisStore) {
	t.Helper()
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	metadatas := []map[string]interface{}{
		{"video_id": "media/uploads/a.mp4", "source_kind": "summary_block", "text": "standup"},
		{"video_id": "media/uploads/b.mp4", "source_kind": "summary_block", "text": "lunch"},
		{"video_id": "media/uploads/a.mp4", "source_kind": "action_item", "text": "file ticket"},
	}
	ids := []string{"chunk_aaa", "chunk_bbb", "chunk_ccc"}
	require.NoError(t, s.Upsert(context.Background(), vectors, metadatas, ids))
}

func TestUpsertAndQuery(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	seed(t, s)

	matches, err := s.Query(context.Background(), []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "chunk_aaa", matches[0].ID)
	assert.Equal(t, "chunk_ccc", matches[1].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestQueryWithFilter(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	seed(t, s)

	matches, err := s.Query(context.Background(), []float32{1, 0, 0}, 10,
		map[string]interface{}{"source_kind": "action_item"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "chunk_ccc", matches[0].ID)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	seed(t, s)
	seed(t, s)

	all, err := s.ListAllChunks(context.Background(), "chunk_", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteByFilterPurgesVideo(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	seed(t, s)

	n, err := s.DeleteByFilter(context.Background(), map[string]interface{}{"video_id": "media/uploads/a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.ListAllChunks(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "media/uploads/b.mp4", all[0]["video_id"])
}

func TestDelete(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	seed(t, s)

	require.NoError(t, s.Delete(context.Background(), []string{"chunk_aaa", "chunk_bbb"}))
	all, err := s.ListAllChunks(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertLengthMismatch(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	err := s.Upsert(context.Background(), [][]float32{{1}}, nil, []string{"a"})
	assert.Error(t, err)
}
