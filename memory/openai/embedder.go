package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/evermind-ai/evermind/memory"
)

type Model string

const (
	ModelTextEmbedding3Small Model = "text-embedding-3-small"
	ModelTextEmbedding3Large Model = "text-embedding-3-large"
)

type embedder struct {
	client *openai.Client
	model  Model
}

// NewEmbedder returns an Embedder backed by the OpenAI embeddings API or
// any compatible endpoint.
func NewEmbedder(model Model, apiKey, baseURL string) (memory.Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: missing API key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &embedder{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}
