package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docchat/internal/retrieval"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newIndex(t *testing.T, dataDir, id string) *retrieval.Index {
	t.Helper()
	idx, err := retrieval.Build(context.Background(), retrieval.Dir(dataDir, id), id, id+".txt",
		[]string{"chunk"}, [][]float32{{1, 0}})
	if err != nil {
		t.Fatalf("Build(%s): %v", id, err)
	}
	return idx
}

func TestRegisterAndList(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	docA, added := r.Register("s1", Document{ID: "a", Name: "a.txt", Chunks: 1}, newIndex(t, dir, "a"))
	if !added || docA.ID != "a" {
		t.Fatalf("Register(a) = %+v, %v", docA, added)
	}
	r.Register("s1", Document{ID: "b", Name: "b.txt", Chunks: 1}, newIndex(t, dir, "b"))

	docs := r.List("s1")
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Errorf("List = %+v, want [a b] in order", docs)
	}
	if other := r.List("s2"); len(other) != 0 {
		t.Errorf("List(s2) = %+v, want empty", other)
	}
}

func TestRegister_DuplicateNameNotAdopted(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	r.Register("s1", Document{ID: "first", Name: "same.txt"}, newIndex(t, dir, "first"))

	second := newIndex(t, dir, "second")
	got, added := r.Register("s1", Document{ID: "second", Name: "same.txt"}, second)
	if added {
		t.Fatal("duplicate name was adopted")
	}
	if got.ID != "first" {
		t.Errorf("returned doc id = %q, want first", got.ID)
	}
	if _, err := r.Get("second"); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("Get(second) err = %v, want ErrIndexNotFound", err)
	}
	second.Destroy()

	if n := len(r.List("s1")); n != 1 {
		t.Errorf("List length = %d, want 1", n)
	}
}

func TestSameNameInDifferentSessions(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	_, added1 := r.Register("s1", Document{ID: "x1", Name: "doc.txt"}, newIndex(t, dir, "x1"))
	_, added2 := r.Register("s2", Document{ID: "x2", Name: "doc.txt"}, newIndex(t, dir, "x2"))
	if !added1 || !added2 {
		t.Errorf("added = %v, %v; want both true", added1, added2)
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	r.Register("s1", Document{ID: "a", Name: "a.txt"}, newIndex(t, dir, "a"))

	if d, ok := r.Lookup("s1", "a.txt"); !ok || d.ID != "a" {
		t.Errorf("Lookup(a.txt) = %+v, %v", d, ok)
	}
	if _, ok := r.Lookup("s1", "missing.txt"); ok {
		t.Error("Lookup(missing) = true")
	}
	if _, ok := r.Lookup("nope", "a.txt"); ok {
		t.Error("Lookup in unknown session = true")
	}
}

func TestClear_RemovesIndexesAndHistory(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	r.Register("s1", Document{ID: "a", Name: "a.txt"}, newIndex(t, dir, "a"))
	r.Register("s2", Document{ID: "keep", Name: "k.txt"}, newIndex(t, dir, "keep"))
	r.AppendExchange("s1", "hi", "hello")

	if err := r.Clear("s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if docs := r.List("s1"); len(docs) != 0 {
		t.Errorf("List after Clear = %+v", docs)
	}
	if h := r.History("s1"); len(h) != 0 {
		t.Errorf("History after Clear = %+v", h)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("Get(a) err = %v, want ErrIndexNotFound", err)
	}
	if _, err := os.Stat(retrieval.Dir(dir, "a")); !os.IsNotExist(err) {
		t.Errorf("index dir a still exists: %v", err)
	}
	if _, err := r.Get("keep"); err != nil {
		t.Errorf("other session's index was dropped: %v", err)
	}
	if _, err := os.Stat(retrieval.Dir(dir, "keep")); err != nil {
		t.Errorf("other session's dir removed: %v", err)
	}
}

func TestSweep_RemovesOrphansOnly(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	r.Register("s1", Document{ID: "live", Name: "l.txt"}, newIndex(t, dir, "live"))

	for _, name := range []string{"index_orphan1", "index_orphan2", "unrelated"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "docchat.pid"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := r.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	for _, name := range []string{"index_live", "unrelated", "docchat.pid"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should survive sweep: %v", name, err)
		}
	}
}

func TestSweep_SkipsReserved(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	release := r.Reserve("building")
	if err := os.MkdirAll(retrieval.Dir(dir, "building"), 0o755); err != nil {
		t.Fatal(err)
	}

	if removed, err := r.Sweep(); err != nil || removed != 0 {
		t.Fatalf("Sweep = %d, %v; want 0, nil", removed, err)
	}
	if _, err := os.Stat(retrieval.Dir(dir, "building")); err != nil {
		t.Fatalf("reserved dir removed: %v", err)
	}

	release()
	if removed, _ := r.Sweep(); removed != 1 {
		t.Errorf("removed after release = %d, want 1", removed)
	}
}

func TestSweep_MissingDataDir(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"))
	if n, err := r.Sweep(); err != nil || n != 0 {
		t.Errorf("Sweep = %d, %v; want 0, nil", n, err)
	}
}

func TestWithIndexes_RegistrationOrder(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	for _, id := range []string{"c", "a", "b"} {
		r.Register("s1", Document{ID: id, Name: id + ".txt"}, newIndex(t, dir, id))
	}

	var got []string
	err := r.WithIndexes("s1", func(docs []Document, idxs []*retrieval.Index) error {
		if len(docs) != len(idxs) {
			t.Fatalf("docs/indexes length mismatch: %d vs %d", len(docs), len(idxs))
		}
		for i, idx := range idxs {
			if idx.ID() != docs[i].ID {
				t.Errorf("index %d id = %q, want %q", i, idx.ID(), docs[i].ID)
			}
			got = append(got, idx.ID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithIndexes: %v", err)
	}
	if len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Errorf("order = %v, want [c a b]", got)
	}
}

func TestWithIndexes_UnknownSession(t *testing.T) {
	r := New(t.TempDir())
	called := false
	err := r.WithIndexes("ghost", func(docs []Document, idxs []*retrieval.Index) error {
		called = true
		if len(docs) != 0 || len(idxs) != 0 {
			t.Errorf("expected no documents, got %d", len(docs))
		}
		return nil
	})
	if err != nil || !called {
		t.Errorf("WithIndexes = %v, called = %v", err, called)
	}
}

func TestHistory(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewWithClock(t.TempDir(), fixedClock{t: now})

	r.AppendExchange("s1", "question", "answer")

	h := r.History("s1")
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].Role != RoleUser || h[1].Role != RoleAssistant || h[1].Content != "answer" {
		t.Errorf("history = %+v", h)
	}
	if !h[0].At.Equal(now) {
		t.Errorf("At = %v, want %v", h[0].At, now)
	}

	h[0].Content = "mutated"
	if r.History("s1")[0].Content != "question" {
		t.Error("History returned shared backing array")
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	r.Register("s1", Document{ID: "a", Name: "a.txt"}, newIndex(t, dir, "a"))
	r.AppendExchange("s2", "hello", "hi")

	sessions, indexes := r.Stats()
	if sessions != 2 || indexes != 1 {
		t.Errorf("Stats = %d, %d; want 2, 1", sessions, indexes)
	}
}

func TestConcurrentRegisterAndQuery(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	defer r.Close()

	idxs := make([]*retrieval.Index, 8)
	for i := range idxs {
		idxs[i] = newIndex(t, dir, string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for i, idx := range idxs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("s1", Document{ID: idx.ID(), Name: idx.Name()}, idx)
		}()
		go func() {
			defer wg.Done()
			r.WithIndexes("s1", func(_ []Document, ix []*retrieval.Index) error {
				for _, x := range ix {
					if _, err := x.Search(context.Background(), []float32{1, 0}, 1); err != nil {
						t.Errorf("Search %d: %v", i, err)
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if n := len(r.List("s1")); n != len(idxs) {
		t.Errorf("registered %d, want %d", n, len(idxs))
	}
}
