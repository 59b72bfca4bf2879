// Copyright 2025 James Ross
package memory

import (
	"encoding/json"
	"os"

	"github.com/flyingrobots/lifestream/internal/summary"
)

// SpeakerInfo is the registered metadata for one speaker id.
type SpeakerInfo struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// SpeakerRegistry maps diarization speaker ids to human-friendly names for
// summaries and search results. Backed by a JSON file of the shape
// {"Speaker_01": {"name": "Alice", "role": "Engineer"}}.
type SpeakerRegistry struct {
	speakers map[string]SpeakerInfo
}

// LoadSpeakerRegistry reads the registry file. A missing or unreadable file
// yields an empty registry rather than an error; name mapping is cosmetic.
func LoadSpeakerRegistry(path string) *SpeakerRegistry {
	reg := &SpeakerRegistry{speakers: map[string]SpeakerInfo{}}
	if path == "" {
		return reg
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return reg
	}
	var data map[string]SpeakerInfo
	if err := json.Unmarshal(raw, &data); err != nil {
		return reg
	}
	reg.speakers = data
	return reg
}

// Lookup returns the registered info for a speaker id.
func (r *SpeakerRegistry) Lookup(speakerID string) (SpeakerInfo, bool) {
	info, ok := r.speakers[speakerID]
	return info, ok
}

// Apply fills participant real names and roles across a summary's time
// blocks. Unregistered speakers keep their raw ids.
func (r *SpeakerRegistry) Apply(s *summary.DailySummary) {
	if len(r.speakers) == 0 {
		return
	}
	for bi := range s.TimeBlocks {
		block := &s.TimeBlocks[bi]
		for pi := range block.Participants {
			p := &block.Participants[pi]
			if info, ok := r.speakers[p.SpeakerID]; ok {
				p.RealName = info.Name
				p.Role = info.Role
			}
		}
	}
}
