// Copyright 2025 James Ross
package embed

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/flyingrobots/lifestream/internal/config"
)

// OpenAIEmbedder embeds chunk texts through the OpenAI embeddings API via
// langchaingo, batching requests per config.
type OpenAIEmbedder struct {
	embedder  embeddings.Embedder
	batchSize int
}

func NewOpenAIEmbedder(cfg config.Embedding) (*OpenAIEmbedder, error) {
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(cfg.BatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return &OpenAIEmbedder{embedder: embedder, batchSize: cfg.BatchSize}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	return vecs, nil
}
