// Package rag sequences document ingestion and question answering across
// the extractor, chunker, embedder, vector indexes and the answer model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/chunk"
	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/registry"
	"github.com/kalambet/docchat/internal/retrieval"
)

var (
	// ErrNoDocuments is returned by Ask when the session has no documents.
	ErrNoDocuments = errors.New("no documents uploaded")

	// ErrEmptyQuestion is returned by Ask for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrEmptyDocument is returned by Upload when no text could be extracted.
	ErrEmptyDocument = errors.New("no text could be extracted from the document")
)

// NoDocumentsMessage is the guidance shown when asking before any upload.
const NoDocumentsMessage = "Please upload at least one document first."

// UploadedMessage formats the success text for an upload.
func UploadedMessage(chunks int) string {
	return fmt.Sprintf("File uploaded and processed successfully. Created %d chunks.", chunks)
}

// Ranking policies for combining per-document results.
const (
	// RankDiscovery keeps the first results in per-document order, visiting
	// documents in registration order.
	RankDiscovery = "discovery"
	// RankScore merges all results by descending similarity.
	RankScore = "score"
)

// Options tunes chunking and retrieval.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	PerDocK      int
	MaxSnippets  int
	Ranking      string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunk.DefaultSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = chunk.DefaultOverlap
	}
	if o.PerDocK <= 0 {
		o.PerDocK = 2
	}
	if o.MaxSnippets <= 0 {
		o.MaxSnippets = 3
	}
	if o.Ranking == "" {
		o.Ranking = RankDiscovery
	}
	return o
}

// UploadResult describes the outcome of an upload.
type UploadResult struct {
	Document registry.Document
	Chunks   int
	// Duplicate is true when a document with the same name was already
	// registered in the session and nothing was re-embedded.
	Duplicate bool
}

// AskResult is an answer with the documents it was grounded on.
type AskResult struct {
	Answer   string
	Sources  []string
	Snippets []answer.Snippet
}

// Service is the orchestrator shared by every front end.
type Service struct {
	reg       *registry.Registry
	embedder  *retrieval.Embedder
	retriever *retrieval.Retriever
	synth     *answer.Synthesizer
	opts      Options
}

// New wires a Service.
func New(reg *registry.Registry, embedder *retrieval.Embedder, synth *answer.Synthesizer, opts Options) *Service {
	return &Service{
		reg:       reg,
		embedder:  embedder,
		retriever: retrieval.NewRetriever(embedder),
		synth:     synth,
		opts:      opts.withDefaults(),
	}
}

// Upload extracts, chunks, embeds and indexes data as document name in the
// session. A name already registered in the session is not processed again.
// On any failure nothing is registered and no index directory is left behind.
func (s *Service) Upload(ctx context.Context, sessionID, name, declaredType string, data []byte) (UploadResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return UploadResult{}, errors.New("document name is empty")
	}
	if existing, ok := s.reg.Lookup(sessionID, name); ok {
		slog.Debug("document already processed", "session", sessionID, "name", name, "doc_id", existing.ID)
		return UploadResult{Document: existing, Chunks: existing.Chunks, Duplicate: true}, nil
	}

	if declaredType == "" {
		declaredType = extract.DetectType(name, "")
	}

	start := time.Now()
	text, err := extract.Extract(data, declaredType)
	if err != nil {
		return UploadResult{}, fmt.Errorf("extracting %s: %w", name, err)
	}
	if strings.TrimSpace(text) == "" {
		return UploadResult{}, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
	}

	chunks, err := chunk.Split(text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if err != nil {
		return UploadResult{}, fmt.Errorf("chunking %s: %w", name, err)
	}

	vecs, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return UploadResult{}, fmt.Errorf("embedding %s: %w", name, err)
	}

	docID := uuid.NewString()
	release := s.reg.Reserve(docID)
	defer release()

	idx, err := retrieval.Build(ctx, retrieval.Dir(s.reg.DataDir(), docID), docID, name, chunks, vecs)
	if err != nil {
		return UploadResult{}, fmt.Errorf("indexing %s: %w", name, err)
	}

	doc := registry.Document{
		ID:        docID,
		Name:      name,
		Chunks:    idx.Len(),
		CreatedAt: time.Now().UTC(),
	}
	registered, added := s.reg.Register(sessionID, doc, idx)
	if !added {
		// Lost a race with a concurrent upload of the same name.
		if err := idx.Destroy(); err != nil {
			slog.Warn("discarding duplicate index failed", "doc_id", docID, "error", err)
		}
		return UploadResult{Document: registered, Chunks: registered.Chunks, Duplicate: true}, nil
	}

	slog.Info("document indexed",
		"session", sessionID,
		"doc_id", docID,
		"name", name,
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return UploadResult{Document: registered, Chunks: registered.Chunks}, nil
}

// Ask answers question from the session's documents and records the
// exchange in the session history. Asking a session with no documents
// returns ErrNoDocuments and records nothing.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, ErrEmptyQuestion
	}

	res, err := s.ask(ctx, sessionID, question)
	switch {
	case errors.Is(err, ErrNoDocuments):
		return AskResult{}, err
	case err != nil:
		s.reg.AppendExchange(sessionID, question, UserMessage(err))
		return AskResult{}, err
	}
	s.reg.AppendExchange(sessionID, question, res.Answer)
	return res, nil
}

func (s *Service) ask(ctx context.Context, sessionID, question string) (AskResult, error) {
	var snippets []answer.Snippet
	err := s.reg.WithIndexes(sessionID, func(docs []registry.Document, idxs []*retrieval.Index) error {
		if len(idxs) == 0 {
			return ErrNoDocuments
		}
		results, err := s.retriever.QueryAll(ctx, idxs, question, s.opts.PerDocK)
		if err != nil {
			return err
		}
		for i, hits := range results {
			for _, h := range hits {
				snippets = append(snippets, answer.Snippet{Source: docs[i].Name, Text: h.Text, Score: h.Score})
			}
		}
		return nil
	})
	if err != nil {
		return AskResult{}, err
	}

	snippets = rank(snippets, s.opts.Ranking, s.opts.MaxSnippets)
	text, err := s.synth.Answer(ctx, question, snippets)
	if err != nil {
		return AskResult{}, err
	}
	return AskResult{Answer: text, Sources: answer.Sources(snippets), Snippets: snippets}, nil
}

// rank applies the ranking policy and keeps at most limit snippets.
func rank(snippets []answer.Snippet, policy string, limit int) []answer.Snippet {
	if policy == RankScore {
		sort.SliceStable(snippets, func(i, j int) bool {
			return snippets[i].Score > snippets[j].Score
		})
	}
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets
}

// Documents lists the session's documents in upload order.
func (s *Service) Documents(sessionID string) []registry.Document {
	return s.reg.List(sessionID)
}

// History returns the session's chat history.
func (s *Service) History(sessionID string) []registry.Message {
	return s.reg.History(sessionID)
}

// Clear drops the session's documents and history and removes unused
// index directories.
func (s *Service) Clear(sessionID string) error {
	return s.reg.Clear(sessionID)
}
