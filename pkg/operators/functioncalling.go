package operators

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// FunctionCallingHandler runs tool-augmented generation: the backend is
// offered the workflow's enabled tool surface and returns the combined
// textual result of the calls it chose to make.
type FunctionCallingHandler struct {
	ToolCaller ToolCaller
}

// Operator returns the handled operator tag.
func (h *FunctionCallingHandler) Operator() schema.Operator {
	return schema.OperatorFunctionCalling
}

// Execute expands the tool list and dispatches to the backend.
func (h *FunctionCallingHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	if h.ToolCaller == nil {
		return "", schema.NewError(schema.ErrCodeConflict, "no tool calling backend configured").
			WithTask(inv.Task.ID)
	}

	tools := inv.Config.Tools
	if inv.Config.AllTools() {
		tools = schema.BuiltinTools
	}

	out, err := h.ToolCaller.CallTools(ctx, ToolCallRequest{
		Prompt:     inv.Prompt,
		Tools:      tools,
		CustomTool: inv.Config.CustomTool,
		MaxTokens:  inv.Config.MaxTokens,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeOperator, "function calling failed: %s", err.Error()).
			WithTask(inv.Task.ID).
			WithCause(err)
	}
	return out, nil
}
