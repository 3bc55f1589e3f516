package retrieval

import (
	"context"
)

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder *Embedder
}

// NewRetriever creates a Retriever backed by the given Embedder.
func NewRetriever(embedder *Embedder) *Retriever {
	return &Retriever{embedder: embedder}
}

// Query embeds question and returns the k most similar chunks of idx.
func (r *Retriever) Query(ctx context.Context, idx *Index, question string, k int) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, vec, k)
}

// QueryAll embeds question once and searches each index with it. The
// result slice is parallel to indexes.
func (r *Retriever) QueryAll(ctx context.Context, indexes []*Index, question string, k int) ([][]Hit, error) {
	if len(indexes) == 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}
	results := make([][]Hit, len(indexes))
	for i, idx := range indexes {
		hits, err := idx.Search(ctx, vec, k)
		if err != nil {
			return nil, err
		}
		results[i] = hits
	}
	return results, nil
}
