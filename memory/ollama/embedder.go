package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/evermind-ai/evermind/memory"
)

type Model string

const (
	ModelNomicEmbedText Model = "nomic-embed-text"
	ModelMXBAI          Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder returns an Embedder backed by a local Ollama instance. An
// empty host falls back to the OLLAMA_HOST environment configuration.
func NewEmbedder(host string, model Model) (memory.Embedder, error) {
	if host == "" {
		cli, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		return &embedder{client: cli, model: model}, nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &embedder{client: api.NewClient(u, http.DefaultClient), model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response was empty")
	}
	return resp.Embeddings[0], nil
}
