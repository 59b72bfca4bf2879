// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/lifestream/internal/objstore"
	"github.com/flyingrobots/lifestream/internal/summary"
)

// ErrUnrecognizedDiarization marks diarizer output whose shape the pipeline
// cannot interpret.
var ErrUnrecognizedDiarization = errors.New("unrecognized diarization output shape")

// TranscriptSegment is one span of recognized speech.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerTurn is one diarized span attributed to a speaker.
type SpeakerTurn struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker"`
}

// DiarizationOutput is a sum type over the shapes diarizers emit: either the
// turns directly, or the same result wrapped one level deep. Unwrap resolves
// to the turns or fails with a named error.
type DiarizationOutput struct {
	Turns   []SpeakerTurn
	Wrapped *DiarizationOutput
}

// Unwrap resolves the output to its speaker turns.
func (d DiarizationOutput) Unwrap() ([]SpeakerTurn, error) {
	if len(d.Turns) > 0 {
		return d.Turns, nil
	}
	if d.Wrapped != nil {
		return d.Wrapped.Unwrap()
	}
	return nil, ErrUnrecognizedDiarization
}

// Transcriber is the speech recognizer collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]TranscriptSegment, error)
}

// Diarizer is the speaker diarization collaborator.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string) (DiarizationOutput, error)
}

// SceneDetector is the scene detection / keyframe collaborator.
type SceneDetector interface {
	DetectScenes(ctx context.Context, videoPath string, threshold float64) ([]float64, error)
	ExtractKeyframes(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]summary.VideoFrame, error)
}

// MediaProber probes metadata and extracts the audio track; both accept a
// local path or a streaming URL.
type MediaProber interface {
	Metadata(ctx context.Context, input string) (summary.VideoMetadata, error)
	ExtractAudio(ctx context.Context, input, outputWav string) error
}

// LanguageModel is the summarization collaborator. Rate-limit failures
// surface as *RateLimitError.
type LanguageModel interface {
	Summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ObjectStore is the blob-store surface the executor needs. Implemented by
// objstore.Client.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, key, contentType string, userMetadata map[string]string) (objstore.UploadResult, error)
	Download(ctx context.Context, key, localPath, bucket string) error
	Head(ctx context.Context, key, bucket string) (*objstore.ObjectInfo, error)
	Presign(ctx context.Context, key, method string, ttl time.Duration, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}
