// Package chunk splits extracted document text into fixed-size, overlapping
// pieces suitable for embedding.
package chunk

import (
	"errors"
	"fmt"
)

// Default chunking parameters.
const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

// ErrInvalidConfig is returned when size and overlap cannot produce progress.
var ErrInvalidConfig = errors.New("invalid chunk config")

// Split cuts text into chunks of at most size runes, where consecutive chunks
// share exactly overlap runes. Chunk i starts at rune i*(size-overlap) and the
// last chunk ends at the end of text.
func Split(text string, size, overlap int) ([]string, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	if text == "" {
		return []string{}, nil
	}

	runes := []rune(text)
	step := size - overlap

	chunks := make([]string, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// Validate reports ErrInvalidConfig unless size is positive and overlap lies
// in [0, size).
func Validate(size, overlap int) error {
	if size <= 0 || overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidConfig, size, overlap)
	}
	return nil
}
