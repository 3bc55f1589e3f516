package rag

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/engine"
	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/registry"
	"github.com/kalambet/docchat/internal/retrieval"
)

// letterEngine embeds text as a 26-dim bag of letters. Deterministic, and
// similar texts score close together. calls counts embedded texts.
type letterEngine struct {
	calls atomic.Int32
	fail  error
}

func (e *letterEngine) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	e.calls.Add(int32(len(texts)))
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = letterVector(text)
	}
	return out, nil
}

func letterVector(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[0] += 0.01 // keep the norm non-zero
	return v
}
func (e *letterEngine) IsRunning(context.Context) bool               { return true }
func (e *letterEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (e *letterEngine) HasModel(context.Context, string) bool        { return true }
func (e *letterEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type stubGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	reply   string
	err     error
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fixture struct {
	svc     *Service
	reg     *registry.Registry
	eng     *letterEngine
	gen     *stubGenerator
	dataDir string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	eng := &letterEngine{}
	gen := &stubGenerator{reply: "an answer"}
	reg := registry.New(dataDir)
	t.Cleanup(func() { reg.Close() })

	svc := New(reg, retrieval.NewEmbedder(eng, "test-embed", time.Second), answer.New(gen, time.Second), opts)
	return &fixture{svc: svc, reg: reg, eng: eng, gen: gen, dataDir: dataDir}
}

func indexDirs(t *testing.T, dataDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var dirs []string
	for _, e := range entries {
		if _, ok := retrieval.IDFromDir(e.Name()); ok {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func TestUpload_ChunksAndRegisters(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1000, ChunkOverlap: 100})
	text := strings.Repeat("abcdefghij", 250)

	res, err := f.svc.Upload(context.Background(), "s1", "long.txt", "", []byte(text))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", res.Chunks)
	}
	if res.Duplicate {
		t.Error("Duplicate = true on first upload")
	}
	if got := f.eng.calls.Load(); got != 3 {
		t.Errorf("embedded texts = %d, want 3", got)
	}

	docs := f.svc.Documents("s1")
	if len(docs) != 1 || docs[0].Name != "long.txt" || docs[0].Chunks != 3 {
		t.Errorf("Documents = %+v", docs)
	}
	if dirs := indexDirs(t, f.dataDir); len(dirs) != 1 {
		t.Errorf("index dirs = %v, want 1", dirs)
	}
}

func TestUpload_DuplicateNameSkipsEmbedding(t *testing.T) {
	f := newFixture(t, Options{})

	first, err := f.svc.Upload(context.Background(), "s1", "doc.txt", "txt", []byte("some content here"))
	if err != nil {
		t.Fatalf("first Upload: %v", err)
	}
	calls := f.eng.calls.Load()

	second, err := f.svc.Upload(context.Background(), "s1", "doc.txt", "txt", []byte("different content entirely"))
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if !second.Duplicate {
		t.Error("Duplicate = false on re-upload")
	}
	if second.Document.ID != first.Document.ID {
		t.Errorf("re-upload id = %q, want %q", second.Document.ID, first.Document.ID)
	}
	if got := f.eng.calls.Load(); got != calls {
		t.Errorf("embed calls grew from %d to %d", calls, got)
	}
	if n := len(f.svc.Documents("s1")); n != 1 {
		t.Errorf("document count = %d, want 1", n)
	}
	if dirs := indexDirs(t, f.dataDir); len(dirs) != 1 {
		t.Errorf("index dirs = %v, want 1", dirs)
	}
}

func TestUpload_ConcurrentSameNameKeepsOne(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	results := make([]UploadResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Upload(context.Background(), "s1", "race.txt", "txt", []byte("racing upload body"))
			if err != nil {
				t.Errorf("Upload %d: %v", i, err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	for _, r := range results[1:] {
		if r.Document.ID != results[0].Document.ID {
			t.Errorf("uploads disagree on id: %q vs %q", r.Document.ID, results[0].Document.ID)
		}
	}
	if n := len(f.svc.Documents("s1")); n != 1 {
		t.Errorf("document count = %d, want 1", n)
	}
	if dirs := indexDirs(t, f.dataDir); len(dirs) != 1 {
		t.Errorf("index dirs = %v, want 1", dirs)
	}
}

func TestUpload_EmbeddingFailureRegistersNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.eng.fail = errors.New("connection refused")

	_, err := f.svc.Upload(context.Background(), "s1", "doc.txt", "txt", []byte("content"))
	if !errors.Is(err, retrieval.ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}
	if n := len(f.svc.Documents("s1")); n != 0 {
		t.Errorf("document count = %d, want 0", n)
	}
	if dirs := indexDirs(t, f.dataDir); len(dirs) != 0 {
		t.Errorf("index dirs = %v, want none", dirs)
	}
}

func TestUpload_UnsupportedFormat(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Upload(context.Background(), "s1", "sheet.xlsx", "", []byte("PK"))
	if !errors.Is(err, extract.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if f.eng.calls.Load() != 0 {
		t.Error("embedder called for unsupported file")
	}
}

func TestUpload_EmptyDocument(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Upload(context.Background(), "s1", "blank.txt", "", []byte("   \n\t"))
	if !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("err = %v, want ErrEmptyDocument", err)
	}
}

func TestAsk_BeforeUploadNeverCallsProvider(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Ask(context.Background(), "s1", "what is in my docs?")
	if !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("err = %v, want ErrNoDocuments", err)
	}
	if f.gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", f.gen.calls)
	}
	if f.eng.calls.Load() != 0 {
		t.Errorf("embed calls = %d, want 0", f.eng.calls.Load())
	}

	if h := f.svc.History("s1"); len(h) != 0 {
		t.Errorf("history = %+v, want empty", h)
	}
	if sessions, _ := f.reg.Stats(); sessions != 0 {
		t.Errorf("sessions = %d, want none created by an empty ask", sessions)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.Ask(context.Background(), "s1", "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("err = %v, want ErrEmptyQuestion", err)
	}
	if h := f.svc.History("s1"); len(h) != 0 {
		t.Errorf("history = %+v, want empty", h)
	}
}

func TestAsk_AnswersWithSources(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.svc.Upload(ctx, "s1", "zoo.txt", "", []byte("zebra zoo zigzag")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := f.svc.Upload(ctx, "s1", "bees.md", "", []byte("bumblebee buzz")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	res, err := f.svc.Ask(ctx, "s1", "zebra?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != "an answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Sources) != 2 || res.Sources[0] != "zoo.txt" {
		t.Errorf("Sources = %v, want zoo.txt first", res.Sources)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.gen.calls)
	}
	prompt := f.gen.prompts[0]
	if !strings.Contains(prompt, "From 'zoo.txt':\nzebra zoo zigzag") {
		t.Errorf("prompt missing zoo snippet:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Question: zebra?") {
		t.Errorf("prompt does not end with question:\n%s", prompt)
	}

	h := f.svc.History("s1")
	if len(h) != 2 || h[0].Role != registry.RoleUser || h[1].Content != "an answer" {
		t.Errorf("history = %+v", h)
	}
}

func TestAsk_SessionsAreIsolated(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.svc.Upload(ctx, "s1", "mine.txt", "", []byte("private notes")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := f.svc.Ask(ctx, "s2", "notes?"); !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("err = %v, want ErrNoDocuments for other session", err)
	}
}

func rankingFixture(t *testing.T, ranking string) *fixture {
	t.Helper()
	f := newFixture(t, Options{ChunkSize: 10, ChunkOverlap: 0, PerDocK: 2, MaxSnippets: 3, Ranking: ranking})
	ctx := context.Background()
	// First document: two weak matches for "qqqq".
	if _, err := f.svc.Upload(ctx, "s1", "weak.txt", "", []byte("abcdefghijklmnopqrst")); err != nil {
		t.Fatalf("Upload weak: %v", err)
	}
	// Second document: two strong matches.
	if _, err := f.svc.Upload(ctx, "s1", "strong.txt", "", []byte("qqqqqqqqqqqqqqqqqqqq")); err != nil {
		t.Fatalf("Upload strong: %v", err)
	}
	return f
}

func TestAsk_DiscoveryRankingKeepsDocumentOrder(t *testing.T) {
	f := rankingFixture(t, RankDiscovery)

	res, err := f.svc.Ask(context.Background(), "s1", "qqqq")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(res.Snippets) != 3 {
		t.Fatalf("snippets = %d, want 3", len(res.Snippets))
	}
	want := []string{"weak.txt", "weak.txt", "strong.txt"}
	for i, sn := range res.Snippets {
		if sn.Source != want[i] {
			t.Errorf("snippet %d source = %q, want %q", i, sn.Source, want[i])
		}
	}
}

func TestAsk_ScoreRankingMergesBySimilarity(t *testing.T) {
	f := rankingFixture(t, RankScore)

	res, err := f.svc.Ask(context.Background(), "s1", "qqqq")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	want := []string{"strong.txt", "strong.txt", "weak.txt"}
	for i, sn := range res.Snippets {
		if sn.Source != want[i] {
			t.Errorf("snippet %d source = %q, want %q", i, sn.Source, want[i])
		}
	}
	for i := 1; i < len(res.Snippets); i++ {
		if res.Snippets[i].Score > res.Snippets[i-1].Score {
			t.Errorf("snippets not in descending score order: %+v", res.Snippets)
		}
	}
}

func TestAsk_GenerationFailureRecordedInHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.svc.Upload(ctx, "s1", "a.txt", "", []byte("alpha")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.gen.err = errors.New("quota exceeded")

	_, err := f.svc.Ask(ctx, "s1", "alpha?")
	if !errors.Is(err, answer.ErrGenerationFailure) {
		t.Fatalf("err = %v, want ErrGenerationFailure", err)
	}
	h := f.svc.History("s1")
	last := h[len(h)-1]
	if last.Role != registry.RoleAssistant || !strings.Contains(last.Content, "try again") {
		t.Errorf("last history message = %+v, want retry hint", last)
	}
}

func TestClear_ThenListEmptyAndLookupsFail(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.svc.Upload(ctx, "s1", "a.txt", "", []byte("alpha beta"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := f.svc.Ask(ctx, "s1", "alpha?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if err := f.svc.Clear("s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if docs := f.svc.Documents("s1"); len(docs) != 0 {
		t.Errorf("Documents after Clear = %+v", docs)
	}
	if h := f.svc.History("s1"); len(h) != 0 {
		t.Errorf("History after Clear = %+v", h)
	}
	if _, err := f.reg.Get(res.Document.ID); !errors.Is(err, registry.ErrIndexNotFound) {
		t.Errorf("Get after Clear err = %v, want ErrIndexNotFound", err)
	}
	if dirs := indexDirs(t, f.dataDir); len(dirs) != 0 {
		t.Errorf("index dirs after Clear = %v", dirs)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNoDocuments, NoDocumentsMessage},
		{answer.ErrGenerationTimeout, "took too long"},
		{retrieval.ErrEmbeddingTimeout, "took too long"},
		{retrieval.ErrEmbeddingUnavailable, "embedding service is unavailable"},
		{answer.ErrGenerationFailure, "try again"},
		{extract.ErrUnsupportedFormat, "Unsupported file type"},
		{errors.New("boom"), "Error: boom"},
	}
	for _, tc := range tests {
		if got := UserMessage(tc.err); !strings.Contains(got, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
	}
	if UserMessage(nil) != "" {
		t.Error("UserMessage(nil) should be empty")
	}
}

func TestTransient(t *testing.T) {
	if !Transient(answer.ErrGenerationTimeout) || !Transient(retrieval.ErrEmbeddingUnavailable) {
		t.Error("provider errors should be transient")
	}
	if Transient(ErrNoDocuments) {
		t.Error("ErrNoDocuments should not be transient")
	}
}

func TestUploadedMessage(t *testing.T) {
	if got := UploadedMessage(3); got != "File uploaded and processed successfully. Created 3 chunks." {
		t.Errorf("UploadedMessage = %q", got)
	}
}
