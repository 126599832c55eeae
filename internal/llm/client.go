// Package llm talks to an OpenAI-compatible API: chat completions for
// the generation operator, a tool-call round for function_calling, and
// embeddings for the semantic store.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/loom/internal/httptool"
	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	defaultEmbedModel = "text-embedding-3-small"
	defaultTimeout    = 120 * time.Second
)

// Config holds backend connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Timeout    time.Duration
}

// Client is an OpenAI-compatible chat and embeddings client. It
// satisfies the engine's Generator and Embedder contracts.
type Client struct {
	config     Config
	http       *http.Client
	tools      ToolExecutor
	customHTTP *httptool.Client
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithToolExecutor supplies the backend that actually performs tool
// calls requested by the model.
func WithToolExecutor(exec ToolExecutor) ClientOption {
	return func(c *Client) { c.tools = exec }
}

// NewClient creates a Client. Zero config fields take defaults.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		config:     cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		customHTTP: httptool.NewClient(httptool.Config{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- wire types ---

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
	Tools     []toolDef     `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolDef struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate performs one chat completion.
func (c *Client) Generate(ctx context.Context, req operators.GenerateRequest) (string, error) {
	resp, err := c.chat(ctx, chatRequest{
		Model:     c.config.Model,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeOperator, "chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed computes an embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embeddings", embedRequest{
		Model: c.config.EmbedModel,
		Input: []string{text},
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperator, "embeddings: %s", resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, schema.NewError(schema.ErrCodeOperator, "embeddings returned no data")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) chat(ctx context.Context, req chatRequest) (*chatResponse, error) {
	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperator, "chat completion: %s", resp.Error.Message)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "encode request: %s", err.Error()).WithCause(err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "backend request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "read backend response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeOperator, "backend returned %d: %s",
			resp.StatusCode, compactError(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "decode backend response: %s", err.Error()).WithCause(err)
	}
	return nil
}

func compactError(raw []byte) string {
	var wrapped struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error != nil {
		return wrapped.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = fmt.Sprintf("%s... (%d bytes)", s[:256], len(s))
	}
	return s
}
