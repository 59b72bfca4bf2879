// Copyright 2025 James Ross
package jobstore

// Job status values. Transitions are acyclic:
// queued -> processing -> {completed, failed}.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline stage vocabulary, in canonical order. Progress derivation and the
// executor both index into this list; it is closed.
var StageOrder = []string{
	"started",
	"download",
	"audio_extraction",
	"diarization",
	"asr",
	"scene_detection",
	"keyframes",
	"sync",
	"summarization",
	"upload",
	"indexing",
	"completed",
}

const (
	StageQueued    = "queued"
	StageFailed    = "failed"
	StageCompleted = "completed"
)

// Job is the authoritative per-job record.
type Job struct {
	JobID            string           `json:"job_id"`
	Status           string           `json:"status"`
	CurrentStage     string           `json:"current_stage"`
	ObjectKey        string           `json:"object_key"`
	ObjectBucket     string           `json:"object_bucket"`
	ObjectVersion    string           `json:"object_version,omitempty"`
	ResultKey        string           `json:"result_key,omitempty"`
	FailureReportKey string           `json:"failure_report_key,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	TaskHandle       string           `json:"task_handle,omitempty"`
	Timings          map[string]int64 `json:"timings,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

// Progress derives completion in [0,1] from the current stage. Pure function
// of (current_stage); timings only grow alongside it.
func Progress(currentStage string) float64 {
	switch currentStage {
	case StageCompleted, StageFailed:
		return 1.0
	case StageQueued, "":
		return 0.0
	}
	n := len(StageOrder)
	for i, s := range StageOrder {
		if s == currentStage {
			return float64(i+1) / float64(n)
		}
	}
	return 0.5
}

// StatusView is the shape the status API returns for a job.
type StatusView struct {
	JobID            string           `json:"job_id"`
	Status           string           `json:"status"`
	CurrentStage     string           `json:"current_stage"`
	Progress         float64          `json:"progress"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ResultKey        string           `json:"result_key,omitempty"`
	FailureReportKey string           `json:"failure_report_key,omitempty"`
	Timings          map[string]int64 `json:"timings"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

// Status builds the API view of a job.
func Status(j *Job) StatusView {
	timings := j.Timings
	if timings == nil {
		timings = map[string]int64{}
	}
	return StatusView{
		JobID:            j.JobID,
		Status:           j.Status,
		CurrentStage:     j.CurrentStage,
		Progress:         Progress(j.CurrentStage),
		ErrorMessage:     j.ErrorMessage,
		ResultKey:        j.ResultKey,
		FailureReportKey: j.FailureReportKey,
		Timings:          timings,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}
