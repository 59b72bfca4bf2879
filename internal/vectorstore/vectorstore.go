// Copyright 2025 James Ross
package vectorstore

import "context"

// Match is one query hit.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
}

// VectorStore is the indexing seam for derived chunks. Implementations must
// tolerate repeated upserts of the same ids (chunk ids are deterministic).
type VectorStore interface {
	Upsert(ctx context.Context, vectors [][]float32, metadatas []map[string]interface{}, ids []string) error
	Query(ctx context.Context, vector []float32, topK int, filters map[string]interface{}) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter map[string]interface{}) (int, error)
	ListAllChunks(ctx context.Context, prefix string, limit int) ([]map[string]interface{}, error)
}
