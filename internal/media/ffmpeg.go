// Copyright 2025 James Ross
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/summary"
)

// FFmpeg wraps the ffmpeg/ffprobe CLIs for probing, audio extraction,
// scene detection and keyframe extraction. Inputs may be local paths or
// URLs; ffmpeg streams the latter.
type FFmpeg struct {
	ffmpegPath      string
	ffprobePath     string
	sceneThreshold  float64
	audioTimeout    time.Duration
	keyframeTimeout time.Duration
}

func NewFFmpeg(cfg config.Pipeline) *FFmpeg {
	return &FFmpeg{
		ffmpegPath:      cfg.FFmpegPath,
		ffprobePath:     cfg.FFprobePath,
		sceneThreshold:  cfg.SceneThreshold,
		audioTimeout:    cfg.AudioExtractTimeout,
		keyframeTimeout: cfg.KeyframeTimeout,
	}
}

// pinnedEnv pins numerical-library thread counts on subprocesses so two
// branches never oversubscribe the task's cores.
func pinnedEnv() []string {
	return append(os.Environ(),
		"OMP_NUM_THREADS=1",
		"MKL_NUM_THREADS=1",
		"OPENBLAS_NUM_THREADS=1",
	)
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Metadata probes the input and returns its duration and video geometry.
func (f *FFmpeg) Metadata(ctx context.Context, input string) (summary.VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	cmd.Env = pinnedEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return summary.VideoMetadata{}, fmt.Errorf("ffprobe %s: %w: %s", input, err, strings.TrimSpace(stderr.String()))
	}

	var probe probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		return summary.VideoMetadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	meta := summary.VideoMetadata{}
	meta.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta.Width = s.Width
		meta.Height = s.Height
		meta.FPS = parseFrameRate(s.RFrameRate)
		break
	}
	if meta.Duration <= 0 {
		return meta, fmt.Errorf("ffprobe %s: no duration in output", input)
	}
	return meta, nil
}

func parseFrameRate(r string) float64 {
	parts := strings.SplitN(r, "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(r, 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// ExtractAudio decodes the input's audio track to 16 kHz mono WAV, the
// format the speech models expect. The input may be a presigned URL.
func (f *FFmpeg) ExtractAudio(ctx context.Context, input, outputWav string) error {
	ctx, cancel := context.WithTimeout(ctx, f.audioTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outputWav), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", outputWav, err)
	}
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-i", input,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-hide_banner",
		outputWav,
	)
	cmd.Env = pinnedEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract audio from %s: %w: %s", input, err, tail(stderr.String(), 400))
	}
	if st, err := os.Stat(outputWav); err != nil || st.Size() == 0 {
		return fmt.Errorf("extract audio from %s: empty output", input)
	}
	return nil
}

var showinfoPtsRe = regexp.MustCompile(`pts_time:([\d.]+)`)

// DetectScenes returns scene-change timestamps above the configured
// threshold, ascending.
func (f *FFmpeg) DetectScenes(ctx context.Context, videoPath string, threshold float64) ([]float64, error) {
	if threshold <= 0 {
		threshold = f.sceneThreshold
	}
	filter := fmt.Sprintf("select='gt(scene,%g)',showinfo", threshold)
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-i", videoPath,
		"-vf", filter,
		"-f", "null",
		"-hide_banner",
		"-",
	)
	cmd.Env = pinnedEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// ffmpeg exits nonzero on null output; showinfo still lands on stderr.
	_ = cmd.Run()

	var boundaries []float64
	for _, line := range strings.Split(stderr.String(), "\n") {
		if !strings.Contains(line, "showinfo") {
			continue
		}
		if m := showinfoPtsRe.FindStringSubmatch(line); len(m) == 2 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				boundaries = append(boundaries, v)
			}
		}
	}
	sort.Float64s(boundaries)
	return boundaries, nil
}

// ExtractKeyframes grabs one frame per timestamp. Each extraction carries
// its own timeout so a single bad seek cannot stall the branch.
func (f *FFmpeg) ExtractKeyframes(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]summary.VideoFrame, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", outputDir, err)
	}
	frames := make([]summary.VideoFrame, 0, len(timestamps))
	for i, ts := range timestamps {
		outPath := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := f.extractOne(ctx, videoPath, ts, outPath); err != nil {
			return nil, fmt.Errorf("keyframe at %.2fs: %w", ts, err)
		}
		frames = append(frames, summary.VideoFrame{
			Timestamp:   ts,
			FramePath:   outPath,
			SceneChange: true,
		})
	}
	return frames, nil
}

func (f *FFmpeg) extractOne(ctx context.Context, videoPath string, ts float64, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.keyframeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-hide_banner",
		outPath,
	)
	cmd.Env = pinnedEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, tail(stderr.String(), 200))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
