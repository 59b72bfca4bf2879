// Copyright 2025 James Ross
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/flyingrobots/lifestream/internal/pipeline"
)

// CommandTranscriber shells out to a speech-recognition tool that takes an
// audio path argument and prints transcript segments as JSON:
// [{"start":0.0,"end":2.4,"text":"..."}].
type CommandTranscriber struct {
	command string
}

func NewCommandTranscriber(command string) *CommandTranscriber {
	return &CommandTranscriber{command: command}
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) ([]pipeline.TranscriptSegment, error) {
	out, err := runTool(ctx, t.command, audioPath)
	if err != nil {
		return nil, err
	}
	var segments []pipeline.TranscriptSegment
	if err := json.Unmarshal(out, &segments); err != nil {
		return nil, fmt.Errorf("parse transcriber output: %w", err)
	}
	return segments, nil
}

// CommandDiarizer shells out to a diarization tool that takes an audio path
// argument and prints speaker turns as JSON, either directly:
//
//	{"segments":[{"start":0.0,"end":2.4,"speaker":"Speaker_01"}]}
//
// or wrapped one level, as some toolkits emit:
//
//	{"annotation":{"segments":[...]}}
type CommandDiarizer struct {
	command string
}

func NewCommandDiarizer(command string) *CommandDiarizer {
	return &CommandDiarizer{command: command}
}

type diarizerPayload struct {
	Segments   []pipeline.SpeakerTurn `json:"segments"`
	Annotation *diarizerPayload       `json:"annotation"`
}

func (d *CommandDiarizer) Diarize(ctx context.Context, audioPath string) (pipeline.DiarizationOutput, error) {
	out, err := runTool(ctx, d.command, audioPath)
	if err != nil {
		return pipeline.DiarizationOutput{}, err
	}
	var payload diarizerPayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return pipeline.DiarizationOutput{}, fmt.Errorf("parse diarizer output: %w", err)
	}
	return toDiarizationOutput(payload), nil
}

func toDiarizationOutput(p diarizerPayload) pipeline.DiarizationOutput {
	out := pipeline.DiarizationOutput{Turns: p.Segments}
	if p.Annotation != nil {
		inner := toDiarizationOutput(*p.Annotation)
		out.Wrapped = &inner
	}
	return out
}

func runTool(ctx context.Context, command, audioPath string) ([]byte, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("no command configured")
	}
	args := append(parts[1:], audioPath)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Env = pinnedEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", parts[0], audioPath, err, tail(stderr.String(), 400))
	}
	return stdout.Bytes(), nil
}
