//go:build integration

package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/docchat/internal/engine"
)

// TestIntegration_OllamaRoundTrip embeds real text through a running Ollama
// instance and checks that the matching chunk ranks first.
func TestIntegration_OllamaRoundTrip(t *testing.T) {
	eng := engine.NewOllamaEngine("http://localhost:11434")
	if !eng.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !eng.HasModel(context.Background(), "all-minilm") {
		t.Skip("all-minilm not pulled, skipping integration test")
	}

	emb := NewEmbedder(eng, "all-minilm", 30*time.Second)
	chunks := []string{
		"Go is a statically typed, compiled programming language designed at Google.",
		"The recipe calls for two cups of flour and a pinch of salt.",
		"Penguins are flightless birds that live mostly in the Southern Hemisphere.",
	}
	vecs, err := emb.EmbedBatch(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	id := uuid.NewString()
	idx, err := Build(context.Background(), Dir(t.TempDir(), id), id, "mixed.txt", chunks, vecs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer idx.Close()

	hits, err := NewRetriever(emb).Query(context.Background(), idx, "Which programming language was made at Google?", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].Position != 0 {
		t.Errorf("top hit = %+v, want position 0", hits)
	}
}
