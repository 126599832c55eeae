package operators

import (
	"context"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// CheckHandler compares the two well-known inputs __expected and
// __output without any model call. The result is the literal "match"
// or "no match", typically routed on by a step condition.
type CheckHandler struct{}

// Operator returns the handled operator tag.
func (h *CheckHandler) Operator() schema.Operator {
	return schema.OperatorCheck
}

// Execute compares the trimmed values of the two inputs.
func (h *CheckHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	expected, ok := inv.Input(schema.KeyExpected)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeMissingInput, "check requires input %q", schema.KeyExpected).
			WithTask(inv.Task.ID)
	}
	output, ok := inv.Input(schema.KeyOutput)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeMissingInput, "check requires input %q", schema.KeyOutput).
			WithTask(inv.Task.ID)
	}

	if strings.TrimSpace(output) == strings.TrimSpace(expected) {
		return "match", nil
	}
	return "no match", nil
}
