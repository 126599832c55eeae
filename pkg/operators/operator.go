// Package operators implements the closed set of task operators and the
// capability contracts they dispatch to. The engine resolves a task's
// inputs and prompt, then hands an Invocation to the handler registered
// for the task's operator tag; handlers produce a single result string
// which the engine applies to memory through the task's outputs.
package operators

import (
	"context"

	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/schema"
)

// GenerateRequest carries everything a text generation backend needs for
// one completion.
type GenerateRequest struct {
	Prompt string
	// MaxTokens caps the completion length; nil means backend default.
	MaxTokens *int
}

// Generator is the text generation capability. Implemented by the host
// against its model backend.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

// Generate calls the wrapped function.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// ToolCallRequest carries a prompt and the tool surface enabled for it.
type ToolCallRequest struct {
	Prompt string
	// Tools lists the enabled builtin tool identifiers, already expanded
	// when the config used the ALL sentinel.
	Tools []string
	// CustomTool is the workflow's ad-hoc REST tool, when declared.
	CustomTool *schema.CustomTool
	MaxTokens  *int
}

// ToolCaller is the tool-augmented generation capability: the backend
// decides which of the offered tools to invoke and returns the combined
// textual result.
type ToolCaller interface {
	CallTools(ctx context.Context, req ToolCallRequest) (string, error)
}

// ToolCallerFunc adapts a function to the ToolCaller interface.
type ToolCallerFunc func(ctx context.Context, req ToolCallRequest) (string, error)

// CallTools calls the wrapped function.
func (f ToolCallerFunc) CallTools(ctx context.Context, req ToolCallRequest) (string, error) {
	return f(ctx, req)
}

// Invocation is one operator execution: the task being run with its
// prompt already filled and inputs already resolved, plus the run's
// memory and config.
type Invocation struct {
	Task   *schema.Task
	Config schema.Config
	// Prompt is the task's template with every {name} placeholder
	// replaced by its resolved input value.
	Prompt string
	// Inputs maps input names to their resolved values. Optional inputs
	// that could not be resolved are absent.
	Inputs map[string]string
	Memory *memory.Memory
}

// Input returns the resolved value of the named input.
func (inv *Invocation) Input(name string) (string, bool) {
	v, ok := inv.Inputs[name]
	return v, ok
}

// Handler executes tasks carrying one operator tag.
type Handler interface {
	Operator() schema.Operator
	Execute(ctx context.Context, inv *Invocation) (string, error)
}
