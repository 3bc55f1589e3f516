package retrieval

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/docchat/internal/storage"
)

// DirPrefix names every index directory under the data dir.
const DirPrefix = "index_"

// Dir returns the directory that holds the index for docID.
func Dir(dataDir, docID string) string {
	return filepath.Join(dataDir, DirPrefix+docID)
}

// IDFromDir extracts the document id from an index directory name.
func IDFromDir(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, DirPrefix) || len(name) == len(DirPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, DirPrefix), true
}

// Hit is one similarity search result.
type Hit struct {
	Text     string
	Score    float32
	Position int
}

// Index is the persisted vector index of a single document. It is safe for
// concurrent searches.
type Index struct {
	dir   string
	doc   storage.Document
	store *storage.Store
}

// Build creates a new index in dir holding chunks and their embeddings, in
// one transaction. On any failure dir is removed so no half-built index is
// left behind.
func Build(ctx context.Context, dir, docID, name string, chunks []string, embeddings [][]float32) (_ *Index, err error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("building index: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	dims := 0
	if len(embeddings) > 0 {
		dims = len(embeddings[0])
	}
	for i, e := range embeddings {
		if len(e) != dims {
			return nil, fmt.Errorf("building index: embedding %d has %d dims, want %d", i, len(e), dims)
		}
	}

	store, err := storage.Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	defer func() {
		if err != nil {
			store.Close()
			os.RemoveAll(dir)
		}
	}()

	doc := storage.Document{
		ID:        docID,
		Name:      name,
		Dims:      dims,
		CreatedAt: time.Now().UTC(),
	}
	rows := make([]storage.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = storage.Chunk{Position: i, Text: c, Embedding: encodeFloat32s(embeddings[i])}
	}
	if err = store.WriteIndex(ctx, doc, rows); err != nil {
		return nil, fmt.Errorf("writing index: %w", err)
	}
	doc.ChunkCount = len(chunks)

	return &Index{dir: dir, doc: doc, store: store}, nil
}

// Open reloads an index previously created by Build.
func Open(ctx context.Context, dir string) (*Index, error) {
	if !storage.Exists(dir) {
		return nil, fmt.Errorf("no index in %s", dir)
	}
	store, err := storage.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	doc, err := store.Document(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reading index metadata: %w", err)
	}
	return &Index{dir: dir, doc: doc, store: store}, nil
}

// ID returns the document id the index was built for.
func (idx *Index) ID() string { return idx.doc.ID }

// Name returns the original document name.
func (idx *Index) Name() string { return idx.doc.Name }

// Len returns the number of stored chunks.
func (idx *Index) Len() int { return idx.doc.ChunkCount }

// Close releases the database handle. The directory is left in place.
func (idx *Index) Close() error {
	return idx.store.Close()
}

// Destroy closes the index and deletes its directory.
func (idx *Index) Destroy() error {
	closeErr := idx.store.Close()
	if err := os.RemoveAll(idx.dir); err != nil {
		return fmt.Errorf("removing index dir: %w", err)
	}
	return closeErr
}

// Search returns up to k chunks ordered by descending cosine similarity to
// vector. An empty index yields an empty slice.
func (idx *Index) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return []Hit{}, nil
	}

	h := &posScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	err := idx.store.ScanEmbeddings(ctx, func(pos int, blob []byte) error {
		var err error
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding %d: %w", pos, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, posScore{Position: pos, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = posScore{Position: pos, Score: score}
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching index %s: %w", idx.doc.ID, err)
	}
	if h.Len() == 0 {
		return []Hit{}, nil
	}

	top := make([]posScore, h.Len())
	positions := make([]int, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(posScore)
		positions[i] = top[i].Position
	}

	texts, err := idx.store.ChunkTexts(ctx, positions)
	if err != nil {
		return nil, fmt.Errorf("searching index %s: %w", idx.doc.ID, err)
	}

	hits := make([]Hit, len(top))
	for i, ps := range top {
		hits[i] = Hit{Text: texts[ps.Position], Score: ps.Score, Position: ps.Position}
	}
	// Ties keep document order.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})
	return hits, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it across rows.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Mismatched lengths score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

type posScore struct {
	Position int
	Score    float32
}

// posScoreHeap is a min-heap by Score used to keep the top-K during a scan.
type posScoreHeap []posScore

func (h posScoreHeap) Len() int            { return len(h) }
func (h posScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h posScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *posScoreHeap) Push(x interface{}) { *h = append(*h, x.(posScore)) }
func (h *posScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
