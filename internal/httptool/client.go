// Package httptool invokes the ad-hoc REST tool a workflow may declare
// alongside the builtin tools. The tool template's url and body values
// may carry {param} placeholders filled from the model's call arguments.
package httptool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second

	// apiKeyEnv names the environment variable injected as a bearer
	// token when the template declares no Authorization header.
	apiKeyEnv = "API_KEY"
)

// Config tunes the client.
type Config struct {
	MaxResponseBody int64
	Timeout         time.Duration
}

// Client executes custom tool templates.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a Client. Zero config fields take defaults.
func NewClient(cfg Config) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		config: cfg,
		http:   &http.Client{},
	}
}

// Invoke fills the tool template with the given parameters, performs the
// request, and returns the response body as a string. Non-2xx statuses
// are tool errors carrying the status and body.
func (c *Client) Invoke(ctx context.Context, tool *schema.CustomTool, params map[string]string) (string, error) {
	if tool == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "no custom tool declared")
	}

	rawURL := fillTemplate(tool.URL, params)
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: invalid url %q", tool.Name, rawURL).WithCause(err)
	}

	method := strings.ToUpper(tool.Method)
	var bodyReader io.Reader
	if method == http.MethodGet {
		rawURL = appendQuery(rawURL, tool.Body, params)
	} else if len(tool.Body) > 0 {
		body := make(map[string]string, len(tool.Body))
		for k, v := range tool.Body {
			body[k] = fillTemplate(v, params)
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: encode body", tool.Name).WithCause(err)
		}
		bodyReader = strings.NewReader(string(encoded))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: build request", tool.Name).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range tool.Headers {
		req.Header.Set(k, fillTemplate(v, params))
	}
	if req.Header.Get("Authorization") == "" {
		if key := os.Getenv(apiKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: request failed: %s", tool.Name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: read response", tool.Name).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", schema.NewErrorf(schema.ErrCodeTool, "custom tool %q: server returned %d", tool.Name, resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        truncate(string(bodyBytes), 512),
			})
	}
	return string(bodyBytes), nil
}

// fillTemplate replaces {key} placeholders with parameter values.
func fillTemplate(template string, params map[string]string) string {
	out := template
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// appendQuery adds body template entries as query parameters for GET
// requests.
func appendQuery(rawURL string, body map[string]string, params map[string]string) string {
	if len(body) == 0 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range body {
		q.Set(k, fillTemplate(v, params))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
