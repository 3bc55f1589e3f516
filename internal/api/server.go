package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/chunk"
	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/rag"
	"github.com/kalambet/docchat/internal/registry"
	"github.com/kalambet/docchat/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB

// DefaultMaxUploadBytes caps an uploaded file when Deps leaves it unset.
const DefaultMaxUploadBytes = 16 << 20

//go:embed web/index.html
var indexHTML []byte

// Deps holds dependencies for the HTTP API.
type Deps struct {
	Service        *rag.Service
	Token          string
	MaxUploadBytes int64
}

// UploadResponse is the body of a successful POST /upload.
type UploadResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ChunksCount int    `json:"chunks_count"`
	DocumentID  string `json:"document_id"`
	Duplicate   bool   `json:"duplicate"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Question string `json:"question"`
}

// QueryResponse is the body of a successful POST /query.
type QueryResponse struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// NewHandler returns the document Q&A API. The web form and /health are
// always public; everything else requires deps.Token when it is set.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", handleIndex)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(WithSession)

		r.Post("/upload", handleUpload(deps))
		r.Post("/query", handleQuery(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents", handleClearDocuments(deps))
		r.Get("/history", handleHistory(deps))
	})

	return r
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Multipart framing gets a little headroom over the file cap.
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+maxRequestBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "No file part")
			return
		}
		defer file.Close()

		if strings.TrimSpace(header.Filename) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "No selected file")
			return
		}

		data, err := io.ReadAll(io.LimitReader(file, deps.MaxUploadBytes+1))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if int64(len(data)) > deps.MaxUploadBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
			return
		}

		session := SessionID(r.Context())
		declared := extract.DetectType(header.Filename, header.Header.Get("Content-Type"))
		res, err := deps.Service.Upload(r.Context(), session, header.Filename, declared, data)
		if err != nil {
			slog.Warn("upload failed", "session", session, "name", header.Filename, "error", err)
			serviceError(w, err)
			return
		}

		msg := rag.UploadedMessage(res.Chunks)
		if res.Duplicate {
			msg = fmt.Sprintf("File already processed. Using %d existing chunks.", res.Chunks)
		}
		writeJSON(w, http.StatusOK, UploadResponse{
			Success:     true,
			Message:     msg,
			ChunksCount: res.Chunks,
			DocumentID:  res.Document.ID,
			Duplicate:   res.Duplicate,
		})
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "No question provided")
			return
		}

		session := SessionID(r.Context())
		res, err := deps.Service.Ask(r.Context(), session, req.Question)
		if err != nil {
			slog.Warn("query failed", "session", session, "error", err)
			serviceError(w, err)
			return
		}

		sources := res.Sources
		if sources == nil {
			sources = []string{}
		}
		writeJSON(w, http.StatusOK, QueryResponse{Answer: res.Answer, Sources: sources})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.Documents(SessionID(r.Context())))
	}
}

func handleClearDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := SessionID(r.Context())
		if err := deps.Service.Clear(session); err != nil {
			slog.Error("clearing session failed", "session", session, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear documents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := deps.Service.History(SessionID(r.Context()))
		if msgs == nil {
			msgs = []registry.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// serviceError maps a rag.Service error to a status code and user text.
func serviceError(w http.ResponseWriter, err error) {
	code, errType := statusFor(err)
	httpError(w, code, errType, "%s", rag.UserMessage(err))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrNoDocuments),
		errors.Is(err, rag.ErrEmptyQuestion),
		errors.Is(err, rag.ErrEmptyDocument),
		errors.Is(err, extract.ErrUnsupportedFormat),
		errors.Is(err, extract.ErrDecode):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, retrieval.ErrEmbeddingTimeout),
		errors.Is(err, answer.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case rag.Transient(err):
		return http.StatusBadGateway, "api_error"
	case errors.Is(err, chunk.ErrInvalidConfig):
		return http.StatusInternalServerError, "server_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
