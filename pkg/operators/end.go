package operators

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// EndHandler is the terminal no-op. Reaching it completes the run; the
// return value is extracted from memory afterwards, not produced here.
type EndHandler struct{}

// Operator returns the handled operator tag.
func (h *EndHandler) Operator() schema.Operator {
	return schema.OperatorEnd
}

// Execute does nothing and produces the empty result.
func (h *EndHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	return "", nil
}
