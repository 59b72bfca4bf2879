// Copyright 2025 James Ross
package pipeline

import (
	"sort"

	"github.com/flyingrobots/lifestream/internal/summary"
)

// Window is a contiguous fixed-duration slice of the video timeline holding
// the audio segments and keyframes that fall inside it.
type Window struct {
	Start         float64
	End           float64
	AudioSegments []summary.AudioSegment
	Frames        []summary.VideoFrame
}

// Empty reports whether the window carries no audio and no frames.
func (w Window) Empty() bool {
	return len(w.AudioSegments) == 0 && len(w.Frames) == 0
}

// Synchronize slices the timeline [0, end] into windows of windowSeconds
// (the final window may be shorter) and assigns audio segments and keyframes
// to them. The timeline end is the max of any audio/frame timestamp and the
// video duration.
//
// Audio segments join every window they overlap. Keyframes join every window
// their owning scene overlaps: scene i is the half-open interval
// [boundary_i, boundary_{i+1}). Without scene boundaries, keyframes are
// assigned by timestamp, the final frame joining the last window even when
// it sits on the right edge.
func Synchronize(audioSegments []summary.AudioSegment, frames []summary.VideoFrame, sceneBoundaries []float64, videoDuration float64, windowSeconds float64) []Window {
	end := videoDuration
	for _, seg := range audioSegments {
		if seg.EndTime > end {
			end = seg.EndTime
		}
	}
	for _, fr := range frames {
		if fr.Timestamp > end {
			end = fr.Timestamp
		}
	}
	if end <= 0 || windowSeconds <= 0 {
		return nil
	}

	var windows []Window
	for start := 0.0; start < end; start += windowSeconds {
		wEnd := start + windowSeconds
		if wEnd > end {
			wEnd = end
		}
		w := Window{Start: start, End: wEnd}

		for _, seg := range audioSegments {
			if seg.StartTime < wEnd && seg.EndTime > start {
				w.AudioSegments = append(w.AudioSegments, seg)
			}
		}
		windows = append(windows, w)
	}

	assignFrames(windows, frames, sceneBoundaries, end)
	return windows
}

func assignFrames(windows []Window, frames []summary.VideoFrame, sceneBoundaries []float64, timelineEnd float64) {
	if len(frames) == 0 || len(windows) == 0 {
		return
	}

	if len(sceneBoundaries) == 0 {
		// No scene metadata: place frames by timestamp. A frame sitting
		// exactly on the timeline end still belongs to the last window.
		last := len(windows) - 1
		for _, fr := range frames {
			for i := range windows {
				if fr.Timestamp >= windows[i].Start && fr.Timestamp < windows[i].End {
					windows[i].Frames = append(windows[i].Frames, fr)
					break
				}
				if i == last && fr.Timestamp == windows[i].End {
					windows[i].Frames = append(windows[i].Frames, fr)
				}
			}
		}
		return
	}

	bounds := append([]float64(nil), sceneBoundaries...)
	sort.Float64s(bounds)

	// Scene i spans [bounds[i], bounds[i+1]); the final scene runs to the
	// timeline end.
	sceneOf := func(ts float64) (float64, float64) {
		start := 0.0
		end := timelineEnd
		for i, b := range bounds {
			if ts < b {
				end = b
				break
			}
			start = b
			if i == len(bounds)-1 {
				end = timelineEnd
			}
		}
		if end < start {
			end = start
		}
		return start, end
	}

	for _, fr := range frames {
		sStart, sEnd := sceneOf(fr.Timestamp)
		for i := range windows {
			if sStart < windows[i].End && sEnd > windows[i].Start {
				windows[i].Frames = append(windows[i].Frames, fr)
			}
		}
	}
}
