package engine

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the embedding backend for cfg. Ollama is the only
// supported backend; an empty base URL is rejected.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("no embedding backend configured: ollama.base_url is empty")
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}

// Status summarises backend health for `docchat status`.
type Status struct {
	Running bool
	Model   string
	Ready   bool
}

// Probe reports whether e is reachable and has model available locally.
func Probe(ctx context.Context, e Engine, model string) Status {
	st := Status{Model: model, Running: e.IsRunning(ctx)}
	if st.Running {
		st.Ready = e.HasModel(ctx, model)
	}
	return st
}
