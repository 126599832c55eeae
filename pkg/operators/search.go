package operators

import (
	"context"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// SearchHandler queries the run's semantic store with the task's filled
// prompt and returns the matching passages joined by newlines.
type SearchHandler struct{}

// Operator returns the handled operator tag.
func (h *SearchHandler) Operator() schema.Operator {
	return schema.OperatorSearch
}

// Execute runs the similarity query against the default namespace.
func (h *SearchHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	if !inv.Memory.HasStore() {
		return "", schema.NewError(schema.ErrCodeConflict, "search requires a semantic store").
			WithTask(inv.Task.ID)
	}

	hits, err := inv.Memory.Search(ctx, "", inv.Prompt, 0)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeOperator, "semantic search failed: %s", err.Error()).
			WithTask(inv.Task.ID).
			WithCause(err)
	}

	texts := make([]string, len(hits))
	for i, hit := range hits {
		texts[i] = hit.Text
	}
	return strings.Join(texts, "\n"), nil
}
