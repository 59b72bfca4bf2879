// Copyright 2025 James Ross
package memory

import (
	"context"
	"fmt"

	"github.com/flyingrobots/lifestream/internal/embed"
	"github.com/flyingrobots/lifestream/internal/summary"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

// IndexDailySummary derives chunks from a summary, embeds their text, and
// upserts them with full metadata. Stateless; repeated calls for the same
// summary upsert the same deterministic ids. Returns the number of chunks
// indexed.
func IndexDailySummary(ctx context.Context, s *summary.DailySummary, store vectorstore.VectorStore, embedder embed.Embedder) (int, error) {
	chunks := ChunksFromSummary(s)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	metadatas := make([]map[string]interface{}, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		metadatas[i] = c.MetadataDict()
		ids[i] = c.ChunkID
	}
	if err := store.Upsert(ctx, vectors, metadatas, ids); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	return len(chunks), nil
}

// PurgeVideo deletes every chunk belonging to videoID. Called when a job is
// deleted so the index never outlives its job.
func PurgeVideo(ctx context.Context, store vectorstore.VectorStore, videoID string) (int, error) {
	return store.DeleteByFilter(ctx, map[string]interface{}{"video_id": videoID})
}
