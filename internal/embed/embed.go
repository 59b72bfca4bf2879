// Copyright 2025 James Ross
package embed

import "context"

// Embedder converts texts into vectors, batched by the implementation.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
