// Copyright 2025 James Ross
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flyingrobots/lifestream/internal/embed"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

// Query is a natural-language search over indexed chunks with optional
// metadata filters.
type Query struct {
	Text        string   `json:"query"`
	TopK        int      `json:"top_k"`
	MinScore    float64  `json:"min_score"`
	Date        string   `json:"date,omitempty"`
	VideoID     string   `json:"video_id,omitempty"`
	SourceKinds []string `json:"source_kinds,omitempty"`
	SpeakerIDs  []string `json:"speaker_ids,omitempty"`
}

// Result is one scored chunk.
type Result struct {
	ChunkID      string                 `json:"chunk_id"`
	Score        float64                `json:"score"`
	Text         string                 `json:"text"`
	VideoID      string                 `json:"video_id,omitempty"`
	Date         string                 `json:"date,omitempty"`
	StartSeconds float64                `json:"start_seconds"`
	EndSeconds   float64                `json:"end_seconds"`
	Speakers     []string               `json:"speakers"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// Semantic embeds the query text and returns the most relevant chunks.
// Source-kind and speaker filters post-filter the store's matches since both
// are one-of-many predicates.
func Semantic(ctx context.Context, q Query, store vectorstore.VectorStore, embedder embed.Embedder) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	vecs, err := embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}

	filters := map[string]interface{}{}
	if q.Date != "" {
		filters["date"] = q.Date
	}
	if q.VideoID != "" {
		filters["video_id"] = q.VideoID
	}

	// Over-fetch so post-filters still fill topK.
	matches, err := store.Query(ctx, vecs[0], topK*4, filters)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	results := make([]Result, 0, topK)
	for _, m := range matches {
		if q.MinScore > 0 && m.Score < q.MinScore {
			continue
		}
		r := resultFromMatch(m)
		if len(q.SourceKinds) > 0 && !contains(q.SourceKinds, stringOf(m.Metadata["source_kind"])) {
			continue
		}
		if len(q.SpeakerIDs) > 0 && !intersects(r.Speakers, q.SpeakerIDs) {
			continue
		}
		results = append(results, r)
		if len(results) >= topK {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func resultFromMatch(m vectorstore.Match) Result {
	return Result{
		ChunkID:      m.ID,
		Score:        m.Score,
		Text:         stringOf(m.Metadata["text"]),
		VideoID:      stringOf(m.Metadata["video_id"]),
		Date:         stringOf(m.Metadata["date"]),
		StartSeconds: floatOf(m.Metadata["start_seconds"]),
		EndSeconds:   floatOf(m.Metadata["end_seconds"]),
		Speakers:     stringsOf(m.Metadata["speakers"]),
		Metadata:     m.Metadata,
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func stringsOf(v interface{}) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if contains(b, s) {
			return true
		}
	}
	return false
}
