package engine

import (
	"context"

	"github.com/kalambet/docchat/internal/ollama"
)

// OllamaEngine serves embeddings from a local Ollama server.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine returns an Engine for the Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

// Embed sends texts to /api/embed in a single request.
func (e *OllamaEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool { return e.client.IsRunning(ctx) }

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.client.PullModel(ctx, name, nil)
	}
	return e.client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
	})
}
