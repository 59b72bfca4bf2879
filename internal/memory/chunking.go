// Copyright 2025 James Ross
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flyingrobots/lifestream/internal/summary"
)

// Chunk kinds derived from a completed summary.
const (
	KindSummaryBlock    = "summary_block"
	KindTranscriptBlock = "transcript_block"
	KindActionItem      = "action_item"
)

const maxChunkChars = 1000

// Chunk is a unit of vector-indexable content. Metadata is flat and
// denormalized; chunks never reference their parent summary.
type Chunk struct {
	ChunkID      string
	VideoID      string
	Date         string
	StartSeconds float64
	EndSeconds   float64
	Speakers     []string
	SourceKind   string
	Text         string
	Metadata     map[string]interface{}
}

// MetadataDict flattens the chunk for vector-store storage.
func (c Chunk) MetadataDict() map[string]interface{} {
	return map[string]interface{}{
		"id":            c.ChunkID,
		"video_id":      c.VideoID,
		"date":          c.Date,
		"start_seconds": c.StartSeconds,
		"end_seconds":   c.EndSeconds,
		"speakers":      c.Speakers,
		"source_kind":   c.SourceKind,
		"text":          c.Text,
		"metadata":      c.Metadata,
	}
}

// ChunkID derives the deterministic id for a chunk position. Equal inputs
// always produce equal ids, so re-indexing a re-parsed summary yields the
// same chunk set.
func ChunkID(videoID, date string, start, end float64, kind string, index int) string {
	base := fmt.Sprintf("%s|%s|%.2f|%.2f|%s|%d", videoID, date, start, end, kind, index)
	digest := sha256.Sum256([]byte(base))
	return "chunk_" + hex.EncodeToString(digest[:])[:16]
}

// ChunksFromSummary derives the indexable chunks for a daily summary: one
// summary chunk per time block, one transcript chunk per block with audio,
// and one chunk per action item.
func ChunksFromSummary(s *summary.DailySummary) []Chunk {
	videoID := s.VideoSource
	if videoID == "" {
		videoID = "unknown_video"
	}

	var chunks []Chunk
	for idx, block := range s.TimeBlocks {
		start := parseClockSeconds(block.StartTime)
		end := parseClockSeconds(block.EndTime)
		speakers := collectSpeakers(block)
		base := map[string]interface{}{
			"activity":           block.Activity,
			"location":           block.Location,
			"source_reliability": block.SourceReliability,
			"is_meeting":         block.IsMeeting,
			"participant_count":  len(block.Participants),
			"audio_segments":     len(block.AudioSegments),
			"video_frames":       len(block.VideoFrames),
		}

		if text := summaryText(block); text != "" {
			chunks = append(chunks, Chunk{
				ChunkID:      ChunkID(videoID, s.Date, start, end, KindSummaryBlock, idx*2),
				VideoID:      videoID,
				Date:         s.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceKind:   KindSummaryBlock,
				Text:         clip(text),
				Metadata:     copyMeta(base),
			})
		}

		if text := transcriptText(block); text != "" {
			meta := copyMeta(base)
			meta["has_transcript"] = true
			chunks = append(chunks, Chunk{
				ChunkID:      ChunkID(videoID, s.Date, start, end, KindTranscriptBlock, idx*2+1),
				VideoID:      videoID,
				Date:         s.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceKind:   KindTranscriptBlock,
				Text:         clip(text),
				Metadata:     meta,
			})
		}

		for aiIdx, item := range block.ActionItems {
			meta := copyMeta(base)
			meta["is_action_item"] = true
			chunks = append(chunks, Chunk{
				ChunkID:      ChunkID(videoID, s.Date, start, end, KindActionItem, (idx+1)*100+aiIdx),
				VideoID:      videoID,
				Date:         s.Date,
				StartSeconds: start,
				EndSeconds:   end,
				Speakers:     speakers,
				SourceKind:   KindActionItem,
				Text:         clip("Action item: " + item),
				Metadata:     meta,
			})
		}
	}
	return chunks
}

func summaryText(block summary.TimeBlock) string {
	lines := []string{fmt.Sprintf("%s - %s: %s", block.StartTime, block.EndTime, block.Activity)}
	if block.Location != "" {
		lines = append(lines, "Location: "+block.Location)
	}
	if len(block.PerSpeakerSummary) > 0 {
		lines = append(lines, "Per-speaker summary:")
		ids := make([]string, 0, len(block.PerSpeakerSummary))
		for id := range block.PerSpeakerSummary {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			lines = append(lines, fmt.Sprintf("  %s: %s", id, block.PerSpeakerSummary[id]))
		}
	} else if block.TranscriptSummary != "" {
		lines = append(lines, "Summary: "+block.TranscriptSummary)
	}
	if block.VisualSummary != "" {
		lines = append(lines, "Visual: "+block.VisualSummary)
	}
	if len(block.ActionItems) > 0 {
		lines = append(lines, "Action items:")
		for _, item := range block.ActionItems {
			lines = append(lines, "- "+item)
		}
	}
	return strings.Join(lines, "\n")
}

func transcriptText(block summary.TimeBlock) string {
	if len(block.AudioSegments) == 0 {
		return ""
	}
	const maxSegments = 10
	segs := block.AudioSegments
	if len(segs) > maxSegments {
		segs = segs[:maxSegments]
	}
	lines := []string{"Transcript excerpts:"}
	for _, seg := range segs {
		content := seg.Text
		if content == "" {
			content = "[no transcript]"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", seg.SpeakerID, content))
	}
	return strings.Join(lines, "\n")
}

func collectSpeakers(block summary.TimeBlock) []string {
	set := map[string]struct{}{}
	for _, seg := range block.AudioSegments {
		set[seg.SpeakerID] = struct{}{}
	}
	for _, p := range block.Participants {
		if p.SpeakerID != "" {
			set[p.SpeakerID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// parseClockSeconds parses "HH:MM" or "HH:MM:SS" into seconds since the
// start of the timeline. Unparseable input maps to 0.
func parseClockSeconds(clock string) float64 {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) < 2 {
		return 0
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	s := 0
	if len(parts) > 2 {
		s, _ = strconv.Atoi(parts[2])
	}
	return float64(h*3600 + m*60 + s)
}

func clip(text string) string {
	if len(text) <= maxChunkChars {
		return text
	}
	return text[:maxChunkChars-3] + "..."
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
