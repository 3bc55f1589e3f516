// Package gemini calls Gemini through its OpenAI-compatible chat
// completions endpoint.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible API root.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	// DefaultModel is a small, fast Gemini model.
	DefaultModel = "gemini-2.0-flash-lite"
)

// Client sends single-turn prompts to a Gemini model.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a Client. Retries are disabled; callers bound each call
// with a context deadline.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate sends prompt as a single user message and returns the text of the
// first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("gemini %s: status %d: %w", c.model, apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("gemini %s: %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("gemini %s: response has no choices", c.model)
	}
	return resp.Choices[0].Message.Content, nil
}
