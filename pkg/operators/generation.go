package operators

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// GenerationHandler produces free text from the task's filled prompt.
type GenerationHandler struct {
	Generator Generator
}

// Operator returns the handled operator tag.
func (h *GenerationHandler) Operator() schema.Operator {
	return schema.OperatorGeneration
}

// Execute sends the prompt to the generation backend.
func (h *GenerationHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	if h.Generator == nil {
		return "", schema.NewError(schema.ErrCodeConflict, "no generation backend configured").
			WithTask(inv.Task.ID)
	}

	out, err := h.Generator.Generate(ctx, GenerateRequest{
		Prompt:    inv.Prompt,
		MaxTokens: inv.Config.MaxTokens,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeOperator, "generation failed: %s", err.Error()).
			WithTask(inv.Task.ID).
			WithCause(err)
	}
	return out, nil
}
