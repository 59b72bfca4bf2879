// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log, _ := zap.NewDevelopment()
	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return New(rdb, "test:jobs", log), cleanup
}

func strptr(s string) *string { return &s }

func TestCreateIsConditional(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	created, err := s.Create(ctx, "j1", "uploads/a.mp4", "media", "etag1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, "j1", "uploads/other.mp4", "media", "etag2")
	require.NoError(t, err)
	assert.False(t, created, "second create must be a silent no-op")

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, StageQueued, j.CurrentStage)
	assert.Equal(t, "uploads/a.mp4", j.ObjectKey)
	assert.Equal(t, "etag1", j.ObjectVersion)
	assert.Equal(t, j.CreatedAt, j.UpdatedAt)
}

func TestGetMissingIsNil(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	j, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestUpdatePartial(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "j1", "uploads/a.mp4", "media", "")
	require.NoError(t, err)
	before, _ := s.Get(ctx, "j1")

	time.Sleep(2 * time.Millisecond)
	err = s.Update(ctx, "j1", Update{
		Status:       strptr(StatusProcessing),
		CurrentStage: strptr("download"),
		Timings:      map[string]int64{"started": 3, "download": 1200},
	})
	require.NoError(t, err)

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, "download", j.CurrentStage)
	assert.Equal(t, int64(1200), j.Timings["download"])
	assert.Equal(t, "uploads/a.mp4", j.ObjectKey, "untouched fields survive")
	assert.Greater(t, j.UpdatedAt, before.UpdatedAt)
}

func TestTerminalUpdatedAfterCreated(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "j1", "k", "b", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Update(ctx, "j1", Update{
		Status:       strptr(StatusCompleted),
		CurrentStage: strptr(StageCompleted),
		ResultKey:    strptr("results/j1/summary.json"),
	}))

	j, _ := s.Get(ctx, "j1")
	assert.Greater(t, j.UpdatedAt, j.CreatedAt)
	assert.Equal(t, "results/j1/summary.json", j.ResultKey)
}

func TestListFiltersAndLimits(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, "uploads/"+id, "media", "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Update(ctx, "b", Update{Status: strptr(StatusFailed)}))

	queued, err := s.List(ctx, StatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	failed, err := s.List(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].JobID)

	one, err := s.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestFindQueuedByObjectKey(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "j2", "uploads/k2.mp4", "media", "")
	require.NoError(t, err)

	id, err := s.FindQueuedByObjectKey(ctx, "uploads/k2.mp4")
	require.NoError(t, err)
	assert.Equal(t, "j2", id)

	id, err = s.FindQueuedByObjectKey(ctx, "uploads/missing.mp4")
	require.NoError(t, err)
	assert.Empty(t, id)

	// A non-queued job is not adoptable.
	require.NoError(t, s.Update(ctx, "j2", Update{Status: strptr(StatusProcessing)}))
	id, err = s.FindQueuedByObjectKey(ctx, "uploads/k2.mp4")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestDelete(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "j1", "k", "b", "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "j1"))

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, j)
	jobs, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0.0, Progress(StageQueued))
	assert.Equal(t, 1.0, Progress(StageCompleted))
	assert.Equal(t, 1.0, Progress(StageFailed))
	n := float64(len(StageOrder))
	assert.InDelta(t, 1.0/n, Progress("started"), 1e-9)
	assert.InDelta(t, 5.0/n, Progress("asr"), 1e-9)
	assert.InDelta(t, 11.0/n, Progress("indexing"), 1e-9)
	assert.Equal(t, 0.5, Progress("mystery_stage"))

	// Monotone non-decreasing across the canonical order.
	prev := Progress(StageQueued)
	for _, s := range StageOrder {
		p := Progress(s)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
}

func TestStatusView(t *testing.T) {
	j := &Job{
		JobID:        "j1",
		Status:       StatusProcessing,
		CurrentStage: "sync",
		Timings:      map[string]int64{"download": 9000},
		CreatedAt:    "2026-01-20T12:00:00Z",
		UpdatedAt:    "2026-01-20T12:01:00Z",
	}
	v := Status(j)
	assert.Equal(t, "j1", v.JobID)
	assert.InDelta(t, 8.0/float64(len(StageOrder)), v.Progress, 1e-9)
	assert.Equal(t, int64(9000), v.Timings["download"])

	empty := Status(&Job{JobID: "j2", Status: StatusQueued, CurrentStage: StageQueued})
	assert.NotNil(t, empty.Timings)
	assert.Equal(t, 0.0, empty.Progress)
}
