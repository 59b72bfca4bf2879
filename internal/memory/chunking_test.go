// Copyright 2025 James Ross
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/lifestream/internal/summary"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

func sampleSummary() *summary.DailySummary {
	return &summary.DailySummary{
		Date:        "2026-01-20",
		VideoSource: "media/uploads/20260120_120000_abc_video.mp4",
		TimeBlocks: []summary.TimeBlock{
			{
				StartTime:         "00:00",
				EndTime:           "00:05",
				Activity:          "Team standup",
				SourceReliability: summary.ReliabilityHigh,
				PerSpeakerSummary: map[string]string{"Speaker_01": "Gave status."},
				ActionItems:       []string{"File the ticket", "Ping ops"},
				AudioSegments: []summary.AudioSegment{
					{StartTime: 1, EndTime: 4, SpeakerID: "Speaker_01", Text: "Morning."},
				},
			},
			{
				StartTime:         "00:05",
				EndTime:           "00:07",
				Activity:          "Quiet work",
				SourceReliability: summary.ReliabilityLow,
			},
		},
		TotalDuration: 420,
		CreatedAt:     time.Date(2026, 1, 20, 13, 0, 0, 0, time.UTC),
	}
}

func TestChunksFromSummary(t *testing.T) {
	chunks := ChunksFromSummary(sampleSummary())

	// Block 1: summary + transcript + 2 action items. Block 2: summary only.
	require.Len(t, chunks, 5)

	kinds := map[string]int{}
	for _, c := range chunks {
		kinds[c.SourceKind]++
		assert.Equal(t, "media/uploads/20260120_120000_abc_video.mp4", c.VideoID)
		assert.True(t, strings.HasPrefix(c.ChunkID, "chunk_"))
	}
	assert.Equal(t, 2, kinds[KindSummaryBlock])
	assert.Equal(t, 1, kinds[KindTranscriptBlock])
	assert.Equal(t, 2, kinds[KindActionItem])

	assert.Equal(t, 0.0, chunks[0].StartSeconds)
	assert.Equal(t, 300.0, chunks[0].EndSeconds)
	assert.Equal(t, []string{"Speaker_01"}, chunks[0].Speakers)
	assert.Contains(t, chunks[len(chunks)-1].Text, "Quiet work")
}

func TestChunkIDsDeterministic(t *testing.T) {
	a := ChunksFromSummary(sampleSummary())
	b := ChunksFromSummary(sampleSummary())
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ChunkID, b[i].ChunkID)
	}
	// Different position, different id.
	assert.NotEqual(t, ChunkID("v", "d", 0, 300, KindSummaryBlock, 0), ChunkID("v", "d", 0, 300, KindSummaryBlock, 2))
}

// Re-parsing the serialized summary must yield exactly the chunks the
// original produced.
func TestReindexRoundTrip(t *testing.T) {
	s := sampleSummary()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var reparsed summary.DailySummary
	require.NoError(t, json.Unmarshal(raw, &reparsed))

	orig := ChunksFromSummary(s)
	again := ChunksFromSummary(&reparsed)
	require.Equal(t, len(orig), len(again))
	for i := range orig {
		assert.Equal(t, orig[i].ChunkID, again[i].ChunkID)
		assert.Equal(t, orig[i].Text, again[i].Text)
	}
}

func TestParseClockSeconds(t *testing.T) {
	assert.Equal(t, 0.0, parseClockSeconds("00:00"))
	assert.Equal(t, 300.0, parseClockSeconds("00:05"))
	assert.Equal(t, 3661.0, parseClockSeconds("01:01:01"))
	assert.Equal(t, 0.0, parseClockSeconds("garbage"))
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

func TestIndexAndPurge(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := vectorstore.NewRedisStore(rdb, "test:chunks")
	embedder := &fakeEmbedder{}
	ctx := context.Background()

	n, err := IndexDailySummary(ctx, sampleSummary(), store, embedder)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, embedder.calls)

	all, err := store.ListAllChunks(ctx, "chunk_", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	purged, err := PurgeVideo(ctx, store, "media/uploads/20260120_120000_abc_video.mp4")
	require.NoError(t, err)
	assert.Equal(t, 5, purged)

	all, err = store.ListAllChunks(ctx, "chunk_", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIndexEmptySummary(t *testing.T) {
	n, err := IndexDailySummary(context.Background(), &summary.DailySummary{Date: "2026-01-20"}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
