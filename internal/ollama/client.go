// Package ollama is a small client for the parts of the Ollama HTTP API that
// docchat needs: model presence, model pulls and batched embeddings.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmbedMismatch is returned when /api/embed answers with a different
// number of vectors than inputs sent.
var ErrEmbedMismatch = errors.New("ollama: embedding count does not match input count")

// StatusError carries a non-200 reply from Ollama with the start of its body.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("ollama %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to one Ollama server. Callers bound each request with the
// context they pass; the HTTP client itself has no global timeout because
// model pulls can run for minutes.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// call sends a request with an optional JSON body and returns the response
// when the status is 200. Any other status is turned into a *StatusError.
func (c *Client) call(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("ollama %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// IsRunning reports whether the server answers GET /api/tags within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.call(ctx, "ping", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the local model names, tags included ("all-minilm:latest").
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.call(ctx, "tags", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama tags: decoding response: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name is pulled. A bare name matches any tag.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed /api/pull reply.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads name and blocks until the stream ends. onProgress may
// be nil. An error line in the stream fails the pull.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.call(ctx, "pull", http.MethodPost, "/api/pull", map[string]any{
		"model":  name,
		"stream": true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ollama pull %s: reading progress: %w", name, err)
		}
		if p.Error != "" {
			return fmt.Errorf("ollama pull %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// embedRequest is the body of POST /api/embed. Input is always sent as an
// array so one round trip covers a whole batch of chunks.
type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

// Embed returns one vector per input, in input order. Inputs longer than the
// model's context are truncated by the server rather than rejected.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := c.call(ctx, "embed", http.MethodPost, "/api/embed", embedRequest{
		Model:    model,
		Input:    inputs,
		Truncate: true,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embed: decoding response: %w", err)
	}
	if len(out.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrEmbedMismatch, len(inputs), len(out.Embeddings))
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("ollama embed: empty vector for input %d", i)
		}
	}
	return out.Embeddings, nil
}
