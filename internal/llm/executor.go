package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Environment variables carrying builtin tool credentials.
const (
	serperKeyEnv      = "SERPER_API_KEY"
	jinaKeyEnv        = "JINA_API_KEY"
	browserlessEnv    = "BROWSERLESS_TOKEN"
	stockKeyEnv       = "ALPHAVANTAGE_API_KEY"
	toolResponseLimit = 4 << 20
)

// StandardToolExecutor dispatches builtin tool calls to their external
// services. The workflow's custom tool is handled by the client itself.
type StandardToolExecutor struct {
	http *http.Client
}

// NewStandardToolExecutor creates an executor for the builtin tools.
func NewStandardToolExecutor() *StandardToolExecutor {
	return &StandardToolExecutor{
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// ExecuteTool performs one builtin tool call by name.
func (e *StandardToolExecutor) ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error) {
	query := args["query"]
	switch name {
	case "duckduckgo":
		return e.get(ctx, "https://api.duckduckgo.com/?format=json&q="+url.QueryEscape(query), nil)

	case "serper":
		key := os.Getenv(serperKeyEnv)
		if key == "" {
			return "", schema.NewErrorf(schema.ErrCodeTool, "serper: %s not set", serperKeyEnv)
		}
		body, _ := json.Marshal(map[string]string{"q": query})
		return e.request(ctx, http.MethodPost, "https://google.serper.dev/search",
			strings.NewReader(string(body)), map[string]string{
				"X-API-KEY":    key,
				"Content-Type": "application/json",
			})

	case "jina":
		headers := map[string]string{}
		if key := os.Getenv(jinaKeyEnv); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
		return e.get(ctx, "https://r.jina.ai/"+query, headers)

	case "browserless":
		token := os.Getenv(browserlessEnv)
		if token == "" {
			return "", schema.NewErrorf(schema.ErrCodeTool, "browserless: %s not set", browserlessEnv)
		}
		body, _ := json.Marshal(map[string]string{"url": query})
		return e.request(ctx, http.MethodPost,
			"https://chrome.browserless.io/content?token="+url.QueryEscape(token),
			strings.NewReader(string(body)), map[string]string{"Content-Type": "application/json"})

	case "scraper":
		return e.get(ctx, query, nil)

	case "stock":
		key := os.Getenv(stockKeyEnv)
		if key == "" {
			return "", schema.NewErrorf(schema.ErrCodeTool, "stock: %s not set", stockKeyEnv)
		}
		return e.get(ctx, "https://www.alphavantage.co/query?function=GLOBAL_QUOTE&symbol="+
			url.QueryEscape(query)+"&apikey="+url.QueryEscape(key), nil)

	default:
		return "", schema.NewErrorf(schema.ErrCodeTool, "unknown tool %q", name)
	}
}

func (e *StandardToolExecutor) get(ctx context.Context, rawURL string, headers map[string]string) (string, error) {
	return e.request(ctx, http.MethodGet, rawURL, nil, headers)
}

func (e *StandardToolExecutor) request(ctx context.Context, method, rawURL string, body io.Reader, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "build request: %s", err.Error()).WithCause(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, toolResponseLimit))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTool, "read response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", schema.NewErrorf(schema.ErrCodeTool, "server returned %d", resp.StatusCode)
	}
	return string(raw), nil
}
