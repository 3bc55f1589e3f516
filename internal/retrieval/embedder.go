package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/docchat/internal/engine"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEmbeddingUnavailable is returned when the embedding backend fails.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbeddingTimeout is returned when an embedding call exceeds its
	// deadline. It also matches ErrEmbeddingUnavailable.
	ErrEmbeddingTimeout = fmt.Errorf("%w: request timed out", ErrEmbeddingUnavailable)
)

// DefaultEmbedTimeout bounds a single embedding request.
const DefaultEmbedTimeout = 30 * time.Second

const (
	// batchSize is the number of chunks sent in one embedding request.
	batchSize = 16
	// maxInflight bounds concurrent embedding requests per EmbedBatch call.
	maxInflight = 4
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// A non-positive timeout falls back to DefaultEmbedTimeout.
func NewEmbedder(e engine.Engine, model string, timeout time.Duration) *Embedder {
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	return &Embedder{engine: e, model: model, timeout: timeout}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for texts in input order. Texts are
// sent in slices of batchSize, at most maxInflight requests at a time, and
// each request gets its own timeout. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflight)

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.request(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("chunks %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// request performs one bounded engine call and checks that every text got a
// non-empty vector.
func (e *Embedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.engine.Embed(callCtx, e.model, texts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrEmbeddingTimeout, e.timeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(vecs), len(texts))
	}
	for _, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingUnavailable)
		}
	}
	return vecs, nil
}
