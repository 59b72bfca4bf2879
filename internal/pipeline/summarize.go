// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/summary"
)

const systemPrompt = `You are a diary summarization system. Given audio transcripts and visual context,
generate a structured daily log entry in Markdown format.

Required format:
## [START_TIME] - [END_TIME]: [Activity Title]
* **Location:** [inferred from visuals]
* **Source Reliability:** [High/Medium/Low]
* **Transcript Summary:** [concise summary]
* **Per-Speaker Summary:**
  * **Speaker_01:** [what this speaker did or said]
* **Visual Summary:** [what the frames show]
* **Action Items:**
  * [ ] [item description]

Be concise and factual. Infer locations from visual context when possible.`

// placeholderActivity is the generic title the model falls back to; a block
// that still carries it gets a transcript prefix instead.
const placeholderActivity = "Activity"

// Summarizer turns synchronized windows into time blocks with one language
// model call per non-empty window.
type Summarizer struct {
	llm        LanguageModel
	maxRetries int
	log        *zap.Logger
}

func NewSummarizer(llm LanguageModel, maxRetries int, log *zap.Logger) *Summarizer {
	return &Summarizer{llm: llm, maxRetries: maxRetries, log: log}
}

// CreateDailySummary summarizes every window. Empty windows skip the model
// call and produce a minimal placeholder block.
func (s *Summarizer) CreateDailySummary(ctx context.Context, windows []Window, date, videoSource string) (*summary.DailySummary, error) {
	blocks := make([]summary.TimeBlock, 0, len(windows))
	totalDuration := 0.0
	for _, w := range windows {
		if w.End > totalDuration {
			totalDuration = w.End
		}
		if w.Empty() {
			blocks = append(blocks, s.placeholderBlock(w))
			continue
		}
		block, err := s.summarizeWindow(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("summarize window %s-%s: %w",
				summary.FormatClock(w.Start), summary.FormatClock(w.End), err)
		}
		blocks = append(blocks, block)
	}
	return &summary.DailySummary{
		Date:          date,
		VideoSource:   videoSource,
		TimeBlocks:    blocks,
		TotalDuration: totalDuration,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (s *Summarizer) summarizeWindow(ctx context.Context, w Window) (summary.TimeBlock, error) {
	prompt := buildPrompt(w)
	text, err := withRateLimitRetry(ctx, s.maxRetries, s.log, func() (string, error) {
		return s.llm.Summarize(ctx, systemPrompt, prompt)
	})
	if err != nil {
		return summary.TimeBlock{}, err
	}
	block := parseResponse(text, w)
	applyMeetingHeuristics(&block, w)
	return block, nil
}

func buildPrompt(w Window) string {
	lines := []string{"Audio Transcript:"}
	if len(w.AudioSegments) > 0 {
		for _, seg := range w.AudioSegments {
			transcript := seg.Text
			if transcript == "" {
				transcript = "[no transcript]"
			}
			lines = append(lines, fmt.Sprintf("[%s] (%s-%s): %s",
				seg.SpeakerID, formatHMS(seg.StartTime), formatHMS(seg.EndTime), transcript))
		}
	} else {
		lines = append(lines, "[No audio segments in this time window]")
	}

	lines = append(lines, "", "Visual Context:")
	if len(w.Frames) > 0 {
		for _, fr := range w.Frames {
			kind := "Keyframe"
			if fr.SceneChange {
				kind = "Scene change detected"
			}
			lines = append(lines, fmt.Sprintf("* %s: %s (frame: %s)",
				formatHMS(fr.Timestamp), kind, filepath.Base(fr.FramePath)))
		}
	} else {
		lines = append(lines, "[No video frames in this time window]")
	}
	return strings.Join(lines, "\n")
}

// parseResponse extracts the structured block from model output. Missing
// fields fall back to defaults; it never fails.
func parseResponse(text string, w Window) summary.TimeBlock {
	block := summary.TimeBlock{
		StartTime:         summary.FormatClock(w.Start),
		EndTime:           summary.FormatClock(w.End),
		Activity:          placeholderActivity,
		SourceReliability: deriveReliability(w),
		Participants:      participantsOf(w),
		ActionItems:       []string{},
		AudioSegments:     w.AudioSegments,
		VideoFrames:       w.Frames,
	}

	lines := strings.Split(text, "\n")
	var section string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "##"):
			heading := strings.TrimSpace(strings.TrimPrefix(trimmed, "##"))
			if i := strings.LastIndex(heading, ":"); i >= 0 && i+1 < len(heading) {
				if activity := strings.TrimSpace(heading[i+1:]); activity != "" {
					block.Activity = activity
				}
			}
			section = ""
		case strings.Contains(trimmed, "**Location:**"):
			block.Location = afterMarker(trimmed, "**Location:**")
			section = ""
		case strings.Contains(trimmed, "**Source Reliability:**"):
			if r := normalizeReliability(afterMarker(trimmed, "**Source Reliability:**")); r != "" {
				block.SourceReliability = r
			}
			section = ""
		case strings.Contains(trimmed, "**Transcript Summary:**"):
			block.TranscriptSummary = afterMarker(trimmed, "**Transcript Summary:**")
			section = "transcript"
		case strings.Contains(trimmed, "**Visual Summary:**"):
			block.VisualSummary = afterMarker(trimmed, "**Visual Summary:**")
			section = "visual"
		case strings.Contains(trimmed, "**Per-Speaker Summary:**"):
			section = "speakers"
		case strings.Contains(trimmed, "**Action Items:**"):
			section = "actions"
		case strings.Contains(trimmed, "**Participants:**"):
			section = "participants"
		case strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "-"):
			item := strings.TrimSpace(strings.TrimLeft(trimmed, "*-"))
			switch section {
			case "actions":
				item = strings.TrimSpace(strings.TrimPrefix(item, "[ ]"))
				item = strings.TrimSpace(strings.TrimPrefix(item, "[x]"))
				if item != "" {
					block.ActionItems = append(block.ActionItems, item)
				}
			case "speakers":
				if id, text, ok := parseSpeakerLine(item); ok {
					if block.PerSpeakerSummary == nil {
						block.PerSpeakerSummary = map[string]string{}
					}
					block.PerSpeakerSummary[id] = text
				}
			}
		case trimmed != "":
			switch section {
			case "transcript":
				block.TranscriptSummary = strings.TrimSpace(block.TranscriptSummary + " " + trimmed)
			case "visual":
				block.VisualSummary = strings.TrimSpace(block.VisualSummary + " " + trimmed)
			}
		}
	}

	if block.Activity == placeholderActivity {
		if prefix := transcriptPrefix(w, 60); prefix != "" {
			block.Activity = prefix
		}
	}
	return block
}

func parseSpeakerLine(item string) (string, string, bool) {
	item = strings.TrimSpace(item)
	if !strings.HasPrefix(item, "**") {
		return "", "", false
	}
	rest := strings.TrimPrefix(item, "**")
	i := strings.Index(rest, ":**")
	if i < 0 {
		return "", "", false
	}
	id := strings.TrimSpace(rest[:i])
	text := strings.TrimSpace(rest[i+len(":**"):])
	if id == "" || text == "" {
		return "", "", false
	}
	return id, text, true
}

func afterMarker(line, marker string) string {
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i+len(marker):])
}

func normalizeReliability(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return summary.ReliabilityHigh
	case "medium":
		return summary.ReliabilityMedium
	case "low":
		return summary.ReliabilityLow
	}
	return ""
}

func deriveReliability(w Window) string {
	if len(w.AudioSegments) > 5 && len(w.Frames) > 3 {
		return summary.ReliabilityHigh
	}
	if len(w.AudioSegments) < 2 || len(w.Frames) < 1 {
		return summary.ReliabilityLow
	}
	return summary.ReliabilityMedium
}

func participantsOf(w Window) []summary.Participant {
	set := map[string]struct{}{}
	for _, seg := range w.AudioSegments {
		set[seg.SpeakerID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]summary.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, summary.Participant{SpeakerID: id})
	}
	return out
}

func transcriptPrefix(w Window, maxChars int) string {
	var parts []string
	for _, seg := range w.AudioSegments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	joined := strings.Join(parts, " ")
	if joined == "" {
		return ""
	}
	if len(joined) > maxChars {
		joined = strings.TrimSpace(joined[:maxChars]) + "…"
	}
	return joined
}

// applyMeetingHeuristics classifies the window without another model call:
// two or more speakers trading at least four turns reads as a meeting.
func applyMeetingHeuristics(block *summary.TimeBlock, w Window) {
	speakers := map[string]struct{}{}
	turns := 0
	var prev string
	for _, seg := range w.AudioSegments {
		speakers[seg.SpeakerID] = struct{}{}
		if seg.SpeakerID != prev {
			turns++
			prev = seg.SpeakerID
		}
	}
	switch {
	case len(speakers) >= 2 && turns >= 4:
		block.IsMeeting = true
		block.ContextType = "meeting"
	case len(speakers) == 1:
		block.ContextType = "solo"
	default:
		block.ContextType = "ambient"
	}
}

func (s *Summarizer) placeholderBlock(w Window) summary.TimeBlock {
	return summary.TimeBlock{
		StartTime:         summary.FormatClock(w.Start),
		EndTime:           summary.FormatClock(w.End),
		Activity:          "No activity captured",
		SourceReliability: summary.ReliabilityLow,
		ContextType:       "ambient",
		Participants:      []summary.Participant{},
		ActionItems:       []string{},
		AudioSegments:     []summary.AudioSegment{},
		VideoFrames:       []summary.VideoFrame{},
	}
}

func formatHMS(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
