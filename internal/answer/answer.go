// Package answer builds the grounded prompt for a question and asks the
// generative model for a reply.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrGenerationFailure is returned when the generative model call fails
	// or yields an empty answer.
	ErrGenerationFailure = errors.New("answer generation failed")

	// ErrGenerationTimeout is returned when the model call exceeds its
	// deadline. It also matches ErrGenerationFailure.
	ErrGenerationTimeout = fmt.Errorf("%w: request timed out", ErrGenerationFailure)
)

// NoRelevantInfo is returned verbatim when retrieval produced no snippets.
const NoRelevantInfo = "Sorry, I couldn't find any relevant information in the documents to answer your question."

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 60 * time.Second

// Snippet is a retrieved chunk attributed to its source document.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
}

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Synthesizer turns a question plus snippets into a model answer.
type Synthesizer struct {
	gen     Generator
	timeout time.Duration
}

// New creates a Synthesizer. A non-positive timeout falls back to DefaultTimeout.
func New(gen Generator, timeout time.Duration) *Synthesizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synthesizer{gen: gen, timeout: timeout}
}

// Answer asks the model to answer question from snippets. With no snippets
// it returns NoRelevantInfo without calling the model.
func (s *Synthesizer) Answer(ctx context.Context, question string, snippets []Snippet) (string, error) {
	if len(snippets) == 0 {
		return NoRelevantInfo, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.gen.Generate(callCtx, BuildPrompt(question, snippets))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %v", ErrGenerationTimeout, s.timeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: model returned an empty answer", ErrGenerationFailure)
	}
	return out, nil
}

// BuildPrompt renders the instruction, the attributed context blocks and the
// question into one prompt.
func BuildPrompt(question string, snippets []Snippet) string {
	var sb strings.Builder
	sb.WriteString("Answer the question based on the following context from multiple documents.\n")
	sb.WriteString("Include relevant source document names in your answer.\n\n")
	sb.WriteString("Context:\n")
	for i, sn := range snippets {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "From '%s':\n%s", sn.Source, sn.Text)
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// Sources returns the distinct snippet sources in first-seen order.
func Sources(snippets []Snippet) []string {
	seen := make(map[string]bool, len(snippets))
	out := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		if seen[sn.Source] {
			continue
		}
		seen[sn.Source] = true
		out = append(out, sn.Source)
	}
	return out
}
