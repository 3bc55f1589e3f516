// Package registry tracks which documents belong to which session and owns
// every open vector index, along with per-session chat history.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/docchat/internal/retrieval"
)

// ErrIndexNotFound is returned by Get when no live index has the given id.
var ErrIndexNotFound = errors.New("index not found")

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Document is a registered, searchable document.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one chat turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type session struct {
	docs    []Document
	byName  map[string]string // name -> doc id
	history []Message
}

// Registry maps sessions to documents and documents to their indexes.
// Queries hold the read lock while they search; Clear and Sweep take the
// write lock so no index is deleted while it is being read.
type Registry struct {
	dataDir string
	clock   Clock

	mu       sync.RWMutex
	sessions map[string]*session
	indexes  map[string]*retrieval.Index
	pending  map[string]struct{}
}

// New creates an empty Registry whose indexes live under dataDir.
func New(dataDir string) *Registry {
	return NewWithClock(dataDir, realClock{})
}

// NewWithClock creates a Registry with a custom clock (for testing).
func NewWithClock(dataDir string, clock Clock) *Registry {
	return &Registry{
		dataDir:  dataDir,
		clock:    clock,
		sessions: make(map[string]*session),
		indexes:  make(map[string]*retrieval.Index),
		pending:  make(map[string]struct{}),
	}
}

// DataDir returns the directory that holds index directories.
func (r *Registry) DataDir() string { return r.dataDir }

// Reserve protects the index directory for id from Sweep while it is being
// built. Call the returned func once the index is registered or discarded.
func (r *Registry) Reserve(id string) (release func()) {
	r.mu.Lock()
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}
}

func (r *Registry) sessionLocked(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{byName: make(map[string]string)}
		r.sessions[id] = s
	}
	return s
}

// Register adds doc with its index to the session. Names are unique within a
// session: if doc.Name is already registered the existing document is
// returned with false, and idx was not adopted (the caller must discard it).
func (r *Registry) Register(sessionID string, doc Document, idx *retrieval.Index) (Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessionLocked(sessionID)
	if id, ok := s.byName[doc.Name]; ok {
		for _, d := range s.docs {
			if d.ID == id {
				return d, false
			}
		}
	}

	s.docs = append(s.docs, doc)
	s.byName[doc.Name] = doc.ID
	r.indexes[doc.ID] = idx
	slog.Debug("document registered", "session", sessionID, "doc_id", doc.ID, "name", doc.Name, "chunks", doc.Chunks)
	return doc, true
}

// Lookup returns the document registered under name in the session.
func (r *Registry) Lookup(sessionID, name string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Document{}, false
	}
	id, ok := s.byName[name]
	if !ok {
		return Document{}, false
	}
	for _, d := range s.docs {
		if d.ID == id {
			return d, true
		}
	}
	return Document{}, false
}

// Get returns the live index for a document id.
func (r *Registry) Get(id string) (*retrieval.Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.indexes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, id)
	}
	return idx, nil
}

// List returns the session's documents in registration order.
func (r *Registry) List(sessionID string) []Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return []Document{}
	}
	return append([]Document{}, s.docs...)
}

// WithIndexes calls fn with the session's documents and their indexes, in
// registration order, while holding the read lock. fn must not retain the
// indexes after it returns.
func (r *Registry) WithIndexes(sessionID string, fn func(docs []Document, indexes []*retrieval.Index) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fn(nil, nil)
	}
	docs := slices.Clone(s.docs)
	idxs := make([]*retrieval.Index, 0, len(docs))
	for _, d := range docs {
		idx, ok := r.indexes[d.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, d.ID)
		}
		idxs = append(idxs, idx)
	}
	return fn(docs, idxs)
}

// Clear drops every document and the chat history of the session, closes and
// deletes its indexes, then sweeps orphaned index directories.
func (r *Registry) Clear(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if s, ok := r.sessions[sessionID]; ok {
		for _, d := range s.docs {
			if idx, ok := r.indexes[d.ID]; ok {
				if err := idx.Destroy(); err != nil {
					errs = append(errs, fmt.Errorf("removing index %s: %w", d.ID, err))
				}
				delete(r.indexes, d.ID)
			}
		}
		delete(r.sessions, sessionID)
		slog.Info("session cleared", "session", sessionID, "documents", len(s.docs))
	}

	if _, err := r.sweepLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep deletes index directories under the data dir that no live document
// references. It returns the number of directories removed.
func (r *Registry) Sweep() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

func (r *Registry) sweepLocked() (int, error) {
	entries, err := os.ReadDir(r.dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading data dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := retrieval.IDFromDir(e.Name())
		if !ok {
			continue
		}
		if _, live := r.indexes[id]; live {
			continue
		}
		if _, building := r.pending[id]; building {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dataDir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", e.Name(), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("removed unused index directories", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// AppendExchange records a user question and the assistant reply as
// adjacent history entries.
func (r *Registry) AppendExchange(sessionID, question, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	s := r.sessionLocked(sessionID)
	s.history = append(s.history,
		Message{Role: RoleUser, Content: question, At: now},
		Message{Role: RoleAssistant, Content: reply, At: now},
	)
}

// History returns a copy of the session's chat history.
func (r *Registry) History(sessionID string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return []Message{}
	}
	return append([]Message{}, s.history...)
}

// Stats reports the number of live sessions and indexes.
func (r *Registry) Stats() (sessions, indexes int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.indexes)
}

// Close closes every open index without deleting it. Directories left behind
// are removed by the next Sweep.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, idx := range r.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index %s: %w", id, err))
		}
	}
	r.indexes = make(map[string]*retrieval.Index)
	r.sessions = make(map[string]*session)
	return errors.Join(errs...)
}
