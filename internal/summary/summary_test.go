// Copyright 2025 James Ross
package summary

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() *DailySummary {
	return &DailySummary{
		Date:        "2026-01-20",
		VideoSource: "media/uploads/20260120_120000_abc_video.mp4",
		TimeBlocks: []TimeBlock{
			{
				StartTime:         "00:00",
				EndTime:           "05:00",
				Activity:          "Team standup",
				Location:          "Office",
				SourceReliability: ReliabilityHigh,
				ContextType:       "meeting",
				IsMeeting:         true,
				Participants:      []Participant{{SpeakerID: "Speaker_01"}, {SpeakerID: "Speaker_02"}},
				TranscriptSummary: "Discussed the release.",
				PerSpeakerSummary: map[string]string{"Speaker_01": "Gave status.", "Speaker_02": "Raised a blocker."},
				ActionItems:       []string{"File the ticket"},
				AudioSegments: []AudioSegment{
					{StartTime: 1, EndTime: 4, SpeakerID: "Speaker_01", Text: "Morning everyone."},
				},
				VideoFrames: []VideoFrame{{Timestamp: 0.5, FramePath: "/tmp/f1.jpg", SceneChange: true}},
			},
		},
		TotalDuration: 600,
		CreatedAt:     time.Date(2026, 1, 20, 12, 30, 0, 0, time.UTC),
	}
}

func TestJSONRoundTrip(t *testing.T) {
	s := sampleSummary()
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var back DailySummary
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, s.Date, back.Date)
	require.Len(t, back.TimeBlocks, 1)
	assert.Equal(t, "Team standup", back.TimeBlocks[0].Activity)
	assert.Equal(t, "Speaker_01", back.TimeBlocks[0].AudioSegments[0].SpeakerID)
	assert.True(t, back.TimeBlocks[0].VideoFrames[0].SceneChange)
}

func TestToMarkdown(t *testing.T) {
	md := sampleSummary().ToMarkdown()
	assert.Contains(t, md, "# Daily Summary — 2026-01-20")
	assert.Contains(t, md, "## 00:00 - 05:00: Team standup")
	assert.Contains(t, md, "* **Location:** Office")
	assert.Contains(t, md, "* **Source Reliability:** High")
	assert.Contains(t, md, "* [ ] File the ticket")
	assert.Contains(t, md, "**Speaker_02:** Raised a blocker.")
	assert.Contains(t, md, "Total duration: 00:10:00")
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00", FormatClock(0))
	assert.Equal(t, "00:05", FormatClock(300))
	assert.Equal(t, "01:01", FormatClock(3660))
}
