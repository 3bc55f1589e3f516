package rag

import (
	"errors"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/chunk"
	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/retrieval"
)

// UserMessage renders err as text suitable for showing to an end user.
// Missing documents get upload guidance; provider failures get a retry hint.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoDocuments):
		return NoDocumentsMessage
	case errors.Is(err, ErrEmptyQuestion):
		return "Please enter a question."
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return "Unsupported file type. Please upload a PDF, text, markdown or HTML file."
	case errors.Is(err, extract.ErrDecode):
		return "The file could not be read. Please check that it is a valid document."
	case errors.Is(err, ErrEmptyDocument):
		return "No text could be extracted from the document."
	case errors.Is(err, chunk.ErrInvalidConfig):
		return "Chunking is misconfigured: " + err.Error()
	case errors.Is(err, retrieval.ErrEmbeddingTimeout), errors.Is(err, answer.ErrGenerationTimeout):
		return "The model took too long to respond. Please try again."
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		return "The embedding service is unavailable. Please try again in a moment."
	case errors.Is(err, answer.ErrGenerationFailure):
		return "Error generating answer: " + err.Error() + ". Please try again."
	default:
		return "Error: " + err.Error()
	}
}

// Transient reports whether err is a provider failure worth retrying.
func Transient(err error) bool {
	return errors.Is(err, retrieval.ErrEmbeddingUnavailable) || errors.Is(err, answer.ErrGenerationFailure)
}
