// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/idempotency"
	"github.com/flyingrobots/lifestream/internal/jobstore"
	"github.com/flyingrobots/lifestream/internal/objstore"
	"github.com/flyingrobots/lifestream/internal/summary"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	versions map[string]string
	uploads  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  map[string][]byte{},
		versions: map[string]string{},
		uploads:  map[string][]byte{},
	}
}

func (f *fakeStore) Upload(_ context.Context, localPath, key, _ string, _ map[string]string) (objstore.UploadResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return objstore.UploadResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = data
	return objstore.UploadResult{Key: key, Version: "v-" + key, Bytes: int64(len(data))}, nil
}

func (f *fakeStore) Download(_ context.Context, key, localPath, _ string) error {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not found", objstore.ErrDownload, key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeStore) Head(_ context.Context, key, _ string) (*objstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, nil
	}
	return &objstore.ObjectInfo{Bytes: int64(len(data)), Version: f.versions[key], ContentType: "video/mp4"}, nil
}

func (f *fakeStore) Presign(_ context.Context, key, method string, _ time.Duration, _ string) (string, error) {
	return "https://fake.example/" + method + "/" + key, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type fakeProber struct {
	duration float64
}

func (p *fakeProber) Metadata(_ context.Context, _ string) (summary.VideoMetadata, error) {
	return summary.VideoMetadata{Duration: p.duration, Width: 1920, Height: 1080, FPS: 30}, nil
}

func (p *fakeProber) ExtractAudio(_ context.Context, _, outputWav string) error {
	return os.WriteFile(outputWav, []byte("RIFFfake"), 0o644)
}

type fakeTranscriber struct {
	segments []TranscriptSegment
	err      error
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ string) ([]TranscriptSegment, error) {
	return t.segments, t.err
}

type fakeDiarizer struct {
	out DiarizationOutput
	err error
}

func (d *fakeDiarizer) Diarize(_ context.Context, _ string) (DiarizationOutput, error) {
	return d.out, d.err
}

type fakeScenes struct {
	boundaries    []float64
	keyframeCalls [][]float64
}

func (s *fakeScenes) DetectScenes(_ context.Context, _ string, _ float64) ([]float64, error) {
	return s.boundaries, nil
}

func (s *fakeScenes) ExtractKeyframes(_ context.Context, _ string, timestamps []float64, outputDir string) ([]summary.VideoFrame, error) {
	s.keyframeCalls = append(s.keyframeCalls, timestamps)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	frames := make([]summary.VideoFrame, 0, len(timestamps))
	for i, ts := range timestamps {
		p := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := os.WriteFile(p, []byte("jpg"), 0o644); err != nil {
			return nil, err
		}
		frames = append(frames, summary.VideoFrame{Timestamp: ts, FramePath: p, SceneChange: true})
	}
	return frames, nil
}

type fixedEmbedder struct{ err error }

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, float32(i)}
	}
	return out, nil
}

type executorFixture struct {
	exec    *Executor
	store   *fakeStore
	jobs    *jobstore.Store
	guard   *idempotency.Guard
	llm     *scriptedLLM
	scenes  *fakeScenes
	asr     *fakeTranscriber
	diar    *fakeDiarizer
	vectors *vectorstore.RedisStore
	embed   *fixedEmbedder
	cfg     *config.Config
}

func setupExecutor(t *testing.T) (*executorFixture, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.ObjectStore.Bucket = "media"
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Pipeline.StreamingIntake = true

	log := zap.NewNop()
	jobs := jobstore.New(rdb, "test:jobs", log)
	guard := idempotency.New(rdb, "test:idem")

	f := &executorFixture{
		store:   newFakeStore(),
		jobs:    jobs,
		guard:   guard,
		llm:     &scriptedLLM{responses: []string{wellFormedResponse, wellFormedResponse, wellFormedResponse}},
		scenes:  &fakeScenes{boundaries: []float64{0, 305}},
		asr:     &fakeTranscriber{segments: []TranscriptSegment{{Start: 1, End: 5, Text: "Morning."}, {Start: 310, End: 320, Text: "Back again."}}},
		diar:    &fakeDiarizer{out: DiarizationOutput{Turns: []SpeakerTurn{{Start: 0, End: 30, SpeakerID: "Speaker_01"}, {Start: 300, End: 330, SpeakerID: "Speaker_02"}}}},
		vectors: vectorstore.NewRedisStore(rdb, "test:chunks"),
		embed:   &fixedEmbedder{},
		cfg:     cfg,
	}
	prober := &fakeProber{duration: 600}
	f.exec = NewExecutor(cfg, f.store, jobs, guard, prober, f.asr, f.diar, f.scenes, f.llm, f.vectors, f.embed, log)

	// Seed the input object.
	f.store.objects["uploads/20260120_120000_abc_video.mp4"] = []byte("videobytes-videobytes")
	f.store.versions["uploads/20260120_120000_abc_video.mp4"] = "etag-1"

	return f, func() {
		rdb.Close()
		mr.Close()
	}
}

func happySpec() JobSpec {
	return JobSpec{JobID: "j1", ObjectBucket: "media", ObjectKey: "uploads/20260120_120000_abc_video.mp4"}
}

func TestExecutorHappyPath(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, "j1", "uploads/20260120_120000_abc_video.mp4", "media", "etag-1")
	require.NoError(t, err)

	require.NoError(t, f.exec.Run(ctx, happySpec()))

	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, jobstore.StageCompleted, job.CurrentStage)
	assert.Equal(t, "results/j1/summary.json", job.ResultKey)
	assert.Equal(t, 1.0, jobstore.Progress(job.CurrentStage))
	assert.GreaterOrEqual(t, len(job.Timings), 10, "timings grow to cover the pipeline: %v", job.Timings)
	for _, stage := range []string{"started", "download", "audio_extraction", "diarization", "asr", "scene_detection", "keyframes", "sync", "summarization", "upload", "indexing"} {
		_, ok := job.Timings[stage]
		assert.True(t, ok, "missing timing for %s", stage)
	}

	// Both artifacts readable.
	raw, ok := f.store.uploads["results/j1/summary.json"]
	require.True(t, ok)
	var daily summary.DailySummary
	require.NoError(t, json.Unmarshal(raw, &daily))
	assert.Len(t, daily.TimeBlocks, 2, "600s video at 300s windows")
	assert.Equal(t, "2026-01-20", daily.Date)
	assert.Equal(t, "media/uploads/20260120_120000_abc_video.mp4", daily.VideoSource)
	_, ok = f.store.uploads["results/j1/summary.md"]
	assert.True(t, ok)

	// Idempotency marked processed with the result key.
	rec, err := f.guard.Get(ctx, "uploads/20260120_120000_abc_video.mp4", "etag-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusProcessed, rec.Status)
	assert.Equal(t, "results/j1/summary.json", rec.ResultKey)

	// Chunks indexed.
	chunks, err := f.vectors.ListAllChunks(ctx, "chunk_", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestExecutorMidPipelineFailure(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, "j1", "uploads/20260120_120000_abc_video.mp4", "media", "etag-1")
	require.NoError(t, err)
	f.asr.err = errors.New("speech recognition backend unreachable")

	err = f.exec.Run(ctx, happySpec())
	require.Error(t, err)

	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	assert.Equal(t, jobstore.StageFailed, job.CurrentStage)
	assert.Contains(t, job.ErrorMessage, "asr failed")
	assert.Equal(t, "results/j1/failure_report.json", job.FailureReportKey)

	// Stages up to and including the failing one carry timings.
	for _, stage := range []string{"started", "download", "audio_extraction", "diarization", "asr"} {
		_, ok := job.Timings[stage]
		assert.True(t, ok, "missing timing for %s", stage)
	}

	// Failure report uploaded with the error and timings.
	raw, ok := f.store.uploads["results/j1/failure_report.json"]
	require.True(t, ok)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, "failed", report["status"])
	assert.Contains(t, report["error"], "asr failed")
	assert.NotEmpty(t, report["traceback"])

	// No idempotency mark-processed on failure: the claim is replayable.
	rec, err := f.guard.Get(ctx, "uploads/20260120_120000_abc_video.mp4", "etag-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "claim untouched by the executor failure path")
}

func TestExecutorIndexingFailureIsNonFatal(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, "j1", "uploads/20260120_120000_abc_video.mp4", "media", "etag-1")
	require.NoError(t, err)
	f.embed.err = errors.New("embedding service down")

	require.NoError(t, f.exec.Run(ctx, happySpec()))

	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)

	// Not marked processed because indexing did not succeed.
	ok, err := f.guard.IsProcessed(ctx, "uploads/20260120_120000_abc_video.mp4", "etag-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutorSyntheticBoundaryWhenNoScenes(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, "j1", "uploads/20260120_120000_abc_video.mp4", "media", "etag-1")
	require.NoError(t, err)
	f.scenes.boundaries = nil

	require.NoError(t, f.exec.Run(ctx, happySpec()))

	require.Len(t, f.scenes.keyframeCalls, 1)
	assert.Equal(t, []float64{600}, f.scenes.keyframeCalls[0], "video duration stands in as the single boundary")
}

func TestExecutorEmptyObjectFailsAsBadInput(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	f.store.objects["uploads/20260120_120000_abc_video.mp4"] = nil

	err := f.exec.Run(ctx, happySpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestExecutorMissingObjectFails(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	spec := happySpec()
	spec.ObjectKey = "uploads/ghost.mp4"

	err := f.exec.Run(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExecutorPlainIntake(t *testing.T) {
	f, cleanup := setupExecutor(t)
	defer cleanup()
	ctx := context.Background()
	f.cfg.Pipeline.StreamingIntake = false
	_, err := f.jobs.Create(ctx, "j1", "uploads/20260120_120000_abc_video.mp4", "media", "etag-1")
	require.NoError(t, err)

	require.NoError(t, f.exec.Run(ctx, happySpec()))

	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	_, ok := job.Timings["download"]
	assert.True(t, ok)
}

func TestDiarizationUnwrap(t *testing.T) {
	turns := []SpeakerTurn{{Start: 0, End: 1, SpeakerID: "Speaker_01"}}
	direct := DiarizationOutput{Turns: turns}
	got, err := direct.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, turns, got)

	wrapped := DiarizationOutput{Wrapped: &DiarizationOutput{Turns: turns}}
	got, err = wrapped.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, turns, got)

	_, err = DiarizationOutput{}.Unwrap()
	assert.ErrorIs(t, err, ErrUnrecognizedDiarization)
}

func TestMergeTranscriptWithTurns(t *testing.T) {
	turns := []SpeakerTurn{
		{Start: 0, End: 10, SpeakerID: "Speaker_01"},
		{Start: 10, End: 20, SpeakerID: "Speaker_02"},
	}
	transcript := []TranscriptSegment{
		{Start: 1, End: 4, Text: "hello"},
		{Start: 12, End: 18, Text: "world"},
		{Start: 9, End: 12, Text: "boundary"},
		{Start: 25, End: 30, Text: "after all turns"},
	}
	segments := mergeTranscriptWithTurns(transcript, turns)
	require.Len(t, segments, 4)
	assert.Equal(t, "Speaker_01", segments[0].SpeakerID)
	assert.Equal(t, "Speaker_02", segments[1].SpeakerID)
	// The straddling segment goes to the speaker with the larger overlap.
	assert.Equal(t, "Speaker_02", segments[2].SpeakerID)
	// Past every turn: nearest turn edge wins.
	assert.Equal(t, "Speaker_02", segments[3].SpeakerID)
}

func TestDateForKey(t *testing.T) {
	assert.Equal(t, "2026-01-20", dateForKey("uploads/20260120_120000_abc_video.mp4"))
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), dateForKey("uploads/no-date.mp4"))
}
