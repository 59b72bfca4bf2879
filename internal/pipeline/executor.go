// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/embed"
	"github.com/flyingrobots/lifestream/internal/idempotency"
	"github.com/flyingrobots/lifestream/internal/jobstore"
	"github.com/flyingrobots/lifestream/internal/memory"
	"github.com/flyingrobots/lifestream/internal/obs"
	"github.com/flyingrobots/lifestream/internal/summary"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

// JobSpec identifies the work one executor instance performs. The dispatcher
// passes it through the task environment.
type JobSpec struct {
	JobID        string
	ObjectBucket string
	ObjectKey    string
}

// Executor runs the per-job pipeline: download (streaming when enabled),
// parallel audio and scene branches, window sync, summarization, artifact
// upload, best-effort indexing, and job finalization. One executor instance
// owns exactly one job.
type Executor struct {
	cfg         *config.Config
	store       ObjectStore
	jobs        *jobstore.Store
	guard       *idempotency.Guard
	prober      MediaProber
	transcriber Transcriber
	diarizer    Diarizer
	scenes      SceneDetector
	summarizer  *Summarizer
	vectors     vectorstore.VectorStore
	embedder    embed.Embedder
	log         *zap.Logger
}

func NewExecutor(
	cfg *config.Config,
	store ObjectStore,
	jobs *jobstore.Store,
	guard *idempotency.Guard,
	prober MediaProber,
	transcriber Transcriber,
	diarizer Diarizer,
	scenes SceneDetector,
	llm LanguageModel,
	vectors vectorstore.VectorStore,
	embedder embed.Embedder,
	log *zap.Logger,
) *Executor {
	return &Executor{
		cfg:         cfg,
		store:       store,
		jobs:        jobs,
		guard:       guard,
		prober:      prober,
		transcriber: transcriber,
		diarizer:    diarizer,
		scenes:      scenes,
		summarizer:  NewSummarizer(llm, cfg.LLM.MaxRetries, log),
		vectors:     vectors,
		embedder:    embedder,
		log:         log,
	}
}

// Run executes the pipeline for one job. Any mandatory-stage error lands in
// the single outer failure handler, which uploads the failure report and
// finalizes the job record. The returned error is non-nil iff the job failed.
func (e *Executor) Run(ctx context.Context, spec JobSpec) error {
	timings := map[string]int64{}

	tempDir := filepath.Join(e.cfg.Pipeline.WorkDir, "lifestream_"+spec.JobID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return e.fail(ctx, spec, timings, fmt.Errorf("create work dir: %w", err))
	}
	if e.cfg.Pipeline.CleanupTempFiles {
		defer os.RemoveAll(tempDir)
	}

	daily, version, err := e.run(ctx, spec, tempDir, timings)
	if err != nil {
		return e.fail(ctx, spec, timings, err)
	}

	resultKey := fmt.Sprintf("results/%s/summary.json", spec.JobID)
	e.updateJob(ctx, spec.JobID, jobstore.Update{
		Status:       strptr(jobstore.StatusCompleted),
		CurrentStage: strptr(jobstore.StageCompleted),
		ResultKey:    strptr(resultKey),
		Timings:      timings,
	})
	obs.JobsCompleted.Inc()
	e.log.Info("job completed",
		obs.String("job_id", spec.JobID),
		obs.String("result_key", resultKey),
		obs.Int("time_blocks", len(daily.TimeBlocks)),
		obs.String("object_version", version),
	)
	return nil
}

func (e *Executor) run(ctx context.Context, spec JobSpec, tempDir string, timings map[string]int64) (*summary.DailySummary, string, error) {
	e.updateJob(ctx, spec.JobID, jobstore.Update{
		Status:       strptr(jobstore.StatusProcessing),
		CurrentStage: strptr("started"),
		Timings:      timings,
	})
	timings["started"] = 0

	info, err := e.store.Head(ctx, spec.ObjectKey, spec.ObjectBucket)
	if err != nil {
		return nil, "", fmt.Errorf("head input object: %w", err)
	}
	if info == nil {
		return nil, "", fmt.Errorf("input object not found: %s/%s", spec.ObjectBucket, spec.ObjectKey)
	}
	if info.Bytes == 0 {
		return nil, "", fmt.Errorf("input object is empty: %s/%s", spec.ObjectBucket, spec.ObjectKey)
	}
	version := info.Version

	localVideo := filepath.Join(tempDir, filepath.Base(spec.ObjectKey))
	audioPath := filepath.Join(tempDir, "audio.wav")

	var meta summary.VideoMetadata
	if e.cfg.Pipeline.StreamingIntake {
		meta, err = e.streamingIntake(ctx, spec, localVideo, audioPath, timings)
	} else {
		meta, err = e.plainIntake(ctx, spec, localVideo, audioPath, timings)
	}
	if err != nil {
		return nil, version, err
	}

	audioSegments, boundaries, frames, err := e.runBranches(ctx, spec, localVideo, audioPath, tempDir, meta, timings)
	if err != nil {
		return nil, version, err
	}

	var windows []Window
	if err := timeStage("sync", timings, func() error {
		windows = Synchronize(audioSegments, frames, boundaries, meta.Duration, float64(e.cfg.Pipeline.ChunkWindowSeconds))
		if len(windows) == 0 {
			return fmt.Errorf("no windows produced from %.0fs timeline", meta.Duration)
		}
		return nil
	}); err != nil {
		return nil, version, fmt.Errorf("sync failed: %w", err)
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("sync"), Timings: timings})

	videoSource := spec.ObjectBucket + "/" + spec.ObjectKey
	var daily *summary.DailySummary
	if err := timeStage("summarization", timings, func() error {
		var serr error
		daily, serr = e.summarizer.CreateDailySummary(ctx, windows, dateForKey(spec.ObjectKey), videoSource)
		if serr != nil {
			return serr
		}
		if len(daily.TimeBlocks) == 0 {
			return fmt.Errorf("no time blocks created")
		}
		return nil
	}); err != nil {
		return nil, version, fmt.Errorf("summarization failed: %w", err)
	}
	daily.VideoMetadata = &meta
	memory.LoadSpeakerRegistry(e.cfg.Pipeline.SpeakerRegistryPath).Apply(daily)
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("summarization"), Timings: timings})

	resultKey := fmt.Sprintf("results/%s/summary.json", spec.JobID)
	if err := timeStage("upload", timings, func() error {
		return e.uploadArtifacts(ctx, spec, daily, tempDir, resultKey)
	}); err != nil {
		return nil, version, fmt.Errorf("upload failed: %w", err)
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("upload"), Timings: timings})

	// Indexing is best-effort; failure is logged and the job still completes.
	indexErr := timeStage("indexing", timings, func() error {
		n, ierr := memory.IndexDailySummary(ctx, daily, e.vectors, e.embedder)
		if ierr != nil {
			return ierr
		}
		obs.ChunksIndexed.Add(float64(n))
		return nil
	})
	if indexErr != nil {
		e.log.Warn("indexing failed (non-fatal)", obs.String("job_id", spec.JobID), obs.Err(indexErr))
	} else {
		if err := e.guard.MarkProcessed(ctx, spec.ObjectKey, version, resultKey); err != nil {
			e.log.Warn("idempotency mark-processed failed (non-fatal)", obs.String("job_id", spec.JobID), obs.Err(err))
		}
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("indexing"), Timings: timings})

	return daily, version, nil
}

// streamingIntake overlaps the full-object download with audio extraction:
// ffmpeg decodes from a presigned URL while the object lands on disk for the
// scene branch. Wall clock of the two is the larger, not the sum.
func (e *Executor) streamingIntake(ctx context.Context, spec JobSpec, localVideo, audioPath string, timings map[string]int64) (summary.VideoMetadata, error) {
	url, err := e.store.Presign(ctx, spec.ObjectKey, "GET", e.cfg.ObjectStore.PresignTTL, "")
	if err != nil {
		return summary.VideoMetadata{}, fmt.Errorf("download failed: presign: %w", err)
	}

	type downloadResult struct {
		ms  int64
		err error
	}
	done := make(chan downloadResult, 1)
	go func() {
		start := time.Now()
		derr := e.store.Download(ctx, spec.ObjectKey, localVideo, spec.ObjectBucket)
		done <- downloadResult{ms: time.Since(start).Milliseconds(), err: derr}
	}()
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("download"), Timings: timings})

	var meta summary.VideoMetadata
	extractErr := timeStage("audio_extraction", timings, func() error {
		m, perr := e.prober.Metadata(ctx, url)
		if perr != nil {
			return perr
		}
		meta = m
		return e.prober.ExtractAudio(ctx, url, audioPath)
	})

	// The scene branch needs the local file either way; join before deciding.
	res := <-done
	timings["download"] = res.ms
	obs.StageDuration.WithLabelValues("download").Observe(float64(res.ms) / 1000)
	if res.err != nil {
		return meta, fmt.Errorf("download failed: %w", res.err)
	}
	if extractErr != nil {
		return meta, fmt.Errorf("audio_extraction failed: %w", extractErr)
	}
	if _, err := os.Stat(localVideo); err != nil {
		return meta, fmt.Errorf("download failed: local file missing after join: %w", err)
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("audio_extraction"), Timings: timings})
	return meta, nil
}

func (e *Executor) plainIntake(ctx context.Context, spec JobSpec, localVideo, audioPath string, timings map[string]int64) (summary.VideoMetadata, error) {
	if err := timeStage("download", timings, func() error {
		return e.store.Download(ctx, spec.ObjectKey, localVideo, spec.ObjectBucket)
	}); err != nil {
		return summary.VideoMetadata{}, fmt.Errorf("download failed: %w", err)
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("download"), Timings: timings})

	var meta summary.VideoMetadata
	if err := timeStage("audio_extraction", timings, func() error {
		m, perr := e.prober.Metadata(ctx, localVideo)
		if perr != nil {
			return perr
		}
		meta = m
		return e.prober.ExtractAudio(ctx, localVideo, audioPath)
	}); err != nil {
		return meta, fmt.Errorf("audio_extraction failed: %w", err)
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("audio_extraction"), Timings: timings})
	return meta, nil
}

type audioBranchResult struct {
	segments []summary.AudioSegment
	timings  map[string]int64
	err      error
}

type sceneBranchResult struct {
	boundaries []float64
	frames     []summary.VideoFrame
	timings    map[string]int64
	err        error
}

// runBranches executes the audio branch (diarization then asr) and the scene
// branch (scene_detection then keyframes) concurrently. Each branch owns its
// sub-timings map; the main goroutine merges both after the join, so the
// shared timings map is never written off the main goroutine.
func (e *Executor) runBranches(ctx context.Context, spec JobSpec, localVideo, audioPath, tempDir string, meta summary.VideoMetadata, timings map[string]int64) ([]summary.AudioSegment, []float64, []summary.VideoFrame, error) {
	audioCh := make(chan audioBranchResult, 1)
	sceneCh := make(chan sceneBranchResult, 1)

	go func() {
		audioCh <- e.audioBranch(ctx, spec, audioPath)
	}()
	go func() {
		sceneCh <- e.sceneBranch(ctx, spec, localVideo, tempDir, meta)
	}()

	audioRes := <-audioCh
	sceneRes := <-sceneCh
	for k, v := range audioRes.timings {
		timings[k] = v
	}
	for k, v := range sceneRes.timings {
		timings[k] = v
	}
	if audioRes.err != nil {
		return nil, nil, nil, audioRes.err
	}
	if sceneRes.err != nil {
		return nil, nil, nil, sceneRes.err
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("keyframes"), Timings: timings})
	return audioRes.segments, sceneRes.boundaries, sceneRes.frames, nil
}

func (e *Executor) audioBranch(ctx context.Context, spec JobSpec, audioPath string) audioBranchResult {
	t := map[string]int64{}

	var turns []SpeakerTurn
	if err := timeStage("diarization", t, func() error {
		out, derr := e.diarizer.Diarize(ctx, audioPath)
		if derr != nil {
			return derr
		}
		turns, derr = out.Unwrap()
		if derr != nil {
			return derr
		}
		if len(turns) == 0 {
			return fmt.Errorf("no speaker segments detected")
		}
		return nil
	}); err != nil {
		return audioBranchResult{timings: t, err: fmt.Errorf("diarization failed: %w", err)}
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("diarization")})

	var segments []summary.AudioSegment
	if err := timeStage("asr", t, func() error {
		transcript, terr := e.transcriber.Transcribe(ctx, audioPath)
		if terr != nil {
			return terr
		}
		segments = mergeTranscriptWithTurns(transcript, turns)
		if len(segments) == 0 {
			return fmt.Errorf("no audio segments with transcripts")
		}
		return nil
	}); err != nil {
		return audioBranchResult{timings: t, err: fmt.Errorf("asr failed: %w", err)}
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("asr")})

	return audioBranchResult{segments: segments, timings: t}
}

func (e *Executor) sceneBranch(ctx context.Context, spec JobSpec, localVideo, tempDir string, meta summary.VideoMetadata) sceneBranchResult {
	t := map[string]int64{}

	var boundaries []float64
	if err := timeStage("scene_detection", t, func() error {
		b, serr := e.scenes.DetectScenes(ctx, localVideo, e.cfg.Pipeline.SceneThreshold)
		if serr != nil {
			return serr
		}
		boundaries = b
		return nil
	}); err != nil {
		return sceneBranchResult{timings: t, err: fmt.Errorf("scene_detection failed: %w", err)}
	}
	if len(boundaries) == 0 && meta.Duration > 0 {
		// Single continuous scene: the video duration stands in as the one
		// synthetic boundary.
		boundaries = []float64{meta.Duration}
		e.log.Warn("no scene boundaries detected, using video duration",
			obs.String("job_id", spec.JobID))
	}
	e.updateJob(ctx, spec.JobID, jobstore.Update{CurrentStage: strptr("scene_detection")})

	var frames []summary.VideoFrame
	if err := timeStage("keyframes", t, func() error {
		f, kerr := e.scenes.ExtractKeyframes(ctx, localVideo, boundaries, filepath.Join(tempDir, "keyframes"))
		if kerr != nil {
			return kerr
		}
		frames = f
		return nil
	}); err != nil {
		return sceneBranchResult{timings: t, err: fmt.Errorf("keyframes failed: %w", err)}
	}

	return sceneBranchResult{boundaries: boundaries, frames: frames, timings: t}
}

// mergeTranscriptWithTurns attributes each transcript segment to the speaker
// whose diarized turn overlaps it the most.
func mergeTranscriptWithTurns(transcript []TranscriptSegment, turns []SpeakerTurn) []summary.AudioSegment {
	sort.Slice(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })
	out := make([]summary.AudioSegment, 0, len(transcript))
	for _, seg := range transcript {
		speaker := ""
		best := 0.0
		for _, turn := range turns {
			overlap := minf(seg.End, turn.End) - maxf(seg.Start, turn.Start)
			if overlap > best {
				best = overlap
				speaker = turn.SpeakerID
			}
		}
		if speaker == "" {
			speaker = nearestSpeaker(seg, turns)
		}
		out = append(out, summary.AudioSegment{
			StartTime: seg.Start,
			EndTime:   seg.End,
			SpeakerID: speaker,
			Text:      seg.Text,
		})
	}
	return out
}

func nearestSpeaker(seg TranscriptSegment, turns []SpeakerTurn) string {
	speaker := "Speaker_00"
	best := -1.0
	mid := (seg.Start + seg.End) / 2
	for _, turn := range turns {
		d := minf(absf(mid-turn.Start), absf(mid-turn.End))
		if best < 0 || d < best {
			best = d
			speaker = turn.SpeakerID
		}
	}
	return speaker
}

func (e *Executor) uploadArtifacts(ctx context.Context, spec JobSpec, daily *summary.DailySummary, tempDir, resultKey string) error {
	jsonPath := filepath.Join(tempDir, "summary.json")
	raw, err := json.MarshalIndent(daily, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return fmt.Errorf("write summary.json: %w", err)
	}
	if _, err := e.store.Upload(ctx, jsonPath, resultKey, "application/json",
		map[string]string{"job_id": spec.JobID, "video_key": spec.ObjectKey}); err != nil {
		return fmt.Errorf("upload summary.json: %w", err)
	}

	mdPath := filepath.Join(tempDir, "summary.md")
	if err := os.WriteFile(mdPath, []byte(daily.ToMarkdown()), 0o644); err != nil {
		return fmt.Errorf("write summary.md: %w", err)
	}
	mdKey := fmt.Sprintf("results/%s/summary.md", spec.JobID)
	if _, err := e.store.Upload(ctx, mdPath, mdKey, "text/markdown", nil); err != nil {
		return fmt.Errorf("upload summary.md: %w", err)
	}
	return nil
}

// fail is the single outer failure handler: upload the failure report, move
// the job to failed, and leave the idempotency claim untouched so an
// operator can replay by releasing it.
func (e *Executor) fail(ctx context.Context, spec JobSpec, timings map[string]int64, cause error) error {
	e.log.Error("job failed", obs.String("job_id", spec.JobID), obs.Err(cause))

	reportKey := e.uploadFailureReport(ctx, spec, timings, cause)

	u := jobstore.Update{
		Status:       strptr(jobstore.StatusFailed),
		CurrentStage: strptr(jobstore.StageFailed),
		ErrorMessage: strptr(cause.Error()),
		Timings:      timings,
	}
	if reportKey != "" {
		u.FailureReportKey = strptr(reportKey)
	}
	e.updateJob(ctx, spec.JobID, u)
	obs.JobsFailed.Inc()
	return cause
}

func (e *Executor) uploadFailureReport(ctx context.Context, spec JobSpec, timings map[string]int64, cause error) string {
	report := map[string]interface{}{
		"job_id":    spec.JobID,
		"status":    "failed",
		"error":     cause.Error(),
		"traceback": string(debug.Stack()),
		"timings":   timings,
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return ""
	}
	tmp := filepath.Join(e.cfg.Pipeline.WorkDir, "failure_report_"+spec.JobID+".json")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		e.log.Warn("write failure report failed", obs.Err(err))
		return ""
	}
	defer os.Remove(tmp)

	key := fmt.Sprintf("results/%s/failure_report.json", spec.JobID)
	if _, err := e.store.Upload(ctx, tmp, key, "application/json", nil); err != nil {
		e.log.Warn("upload failure report failed", obs.Err(err))
		return ""
	}
	return key
}

func (e *Executor) updateJob(ctx context.Context, jobID string, u jobstore.Update) {
	if err := e.jobs.Update(ctx, jobID, u); err != nil {
		e.log.Warn("job update failed (non-fatal)", obs.String("job_id", jobID), obs.Err(err))
	}
}

var uploadKeyDateRe = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})_\d{6}`)

// dateForKey recovers the capture date from the upload key naming scheme
// (uploads/<yyyymmdd_hhmmss>_...), falling back to today.
func dateForKey(objectKey string) string {
	if m := uploadKeyDateRe.FindStringSubmatch(filepath.Base(objectKey)); len(m) == 4 {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	return time.Now().UTC().Format("2006-01-02")
}

func strptr(s string) *string { return &s }

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absf(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
