package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

// ToolExecutor performs one tool call on behalf of the model. Builtin
// tools receive the model's query string; the custom tool receives the
// full argument map.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, name string, args map[string]string) (string, error)

// ExecuteTool calls the wrapped function.
func (f ToolExecutorFunc) ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error) {
	return f(ctx, name, args)
}

// builtinToolDescriptions is the tool surface offered to the model for
// the builtin identifiers.
var builtinToolDescriptions = map[string]string{
	"browserless": "Render a web page in a headless browser and return its content.",
	"jina":        "Fetch a URL as clean, LLM-ready text.",
	"serper":      "Search the web via Google and return the top results.",
	"duckduckgo":  "Search the web via DuckDuckGo and return the top results.",
	"stock":       "Look up current stock market data for a ticker symbol.",
	"scraper":     "Scrape a web page and return its raw content.",
}

// queryParams is the generic single-argument schema of builtin tools.
var queryParams = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The query, URL, or symbol to act on."}
  },
  "required": ["query"]
}`)

// CallTools runs one tool-augmented completion round: the model is
// offered the enabled tools, its requested calls are executed, and a
// final completion over the tool results produces the answer. A round
// without tool calls returns the model's direct answer.
func (c *Client) CallTools(ctx context.Context, req operators.ToolCallRequest) (string, error) {
	if c.tools == nil {
		return "", schema.NewError(schema.ErrCodeConflict, "no tool executor configured")
	}

	defs := buildToolDefs(req.Tools, req.CustomTool)
	messages := []chatMessage{{Role: "user", Content: req.Prompt}}

	resp, err := c.chat(ctx, chatRequest{
		Model:     c.config.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     defs,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeOperator, "tool round returned no choices")
	}

	assistant := resp.Choices[0].Message
	if len(assistant.ToolCalls) == 0 {
		return assistant.Content, nil
	}

	messages = append(messages, assistant)
	for _, call := range assistant.ToolCalls {
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTool,
				"tool %q: bad arguments: %s", call.Function.Name, err.Error()).WithCause(err)
		}
		var result string
		if req.CustomTool != nil && call.Function.Name == req.CustomTool.Name {
			result, err = c.customHTTP.Invoke(ctx, req.CustomTool, args)
		} else {
			result, err = c.tools.ExecuteTool(ctx, call.Function.Name, args)
		}
		if err != nil {
			// Feed the failure back to the model instead of aborting;
			// it may recover or answer without the tool.
			result = "tool error: " + err.Error()
		}
		messages = append(messages, chatMessage{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	final, err := c.chat(ctx, chatRequest{
		Model:     c.config.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(final.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeOperator, "final completion returned no choices")
	}
	return final.Choices[0].Message.Content, nil
}

// buildToolDefs converts the enabled tool identifiers and the optional
// custom tool into the wire format.
func buildToolDefs(tools []string, custom *schema.CustomTool) []toolDef {
	defs := make([]toolDef, 0, len(tools)+1)
	for _, name := range tools {
		desc, ok := builtinToolDescriptions[name]
		if !ok {
			continue
		}
		defs = append(defs, toolDef{
			Type: "function",
			Function: functionSpec{
				Name:        name,
				Description: desc,
				Parameters:  queryParams,
			},
		})
	}
	if custom != nil {
		defs = append(defs, toolDef{
			Type: "function",
			Function: functionSpec{
				Name:        custom.Name,
				Description: custom.Description,
				Parameters:  customToolParams(custom),
			},
		})
	}
	return defs
}

// customToolParams derives a parameter schema from the custom tool's
// body template: every body key becomes a string parameter.
func customToolParams(custom *schema.CustomTool) json.RawMessage {
	props := make(map[string]any, len(custom.Body))
	required := make([]string, 0, len(custom.Body))
	for key := range custom.Body {
		props[key] = map[string]any{"type": "string"}
		required = append(required, key)
	}
	out, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	if err != nil {
		return queryParams
	}
	return out
}

// decodeArguments parses the model's JSON argument blob into strings.
func decodeArguments(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = string(encoded)
	}
	return out, nil
}
