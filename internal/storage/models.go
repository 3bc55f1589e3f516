package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is the metadata row of a persisted index.
type Document struct {
	ID         string
	Name       string
	ChunkCount int
	Dims       int
	CreatedAt  time.Time
}

// Chunk is one stored chunk with its encoded embedding.
type Chunk struct {
	Position  int
	Text      string
	Embedding []byte
}
