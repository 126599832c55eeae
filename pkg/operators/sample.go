package operators

import (
	"context"
	"math/rand/v2"

	"github.com/rendis/loom/pkg/schema"
)

// Strategy picks one index out of n candidates for the sample operator.
// Deterministic strategies are handy in tests.
type Strategy interface {
	Pick(n int) int
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(n int) int

// Pick calls the wrapped function.
func (f StrategyFunc) Pick(n int) int { return f(n) }

// UniformStrategy picks uniformly at random.
type UniformStrategy struct{}

// Pick returns a uniform random index in [0, n).
func (UniformStrategy) Pick(n int) int { return rand.IntN(n) }

// SampleHandler draws one entry from a stack. The stack is named by the
// task's first input that addresses a stack key; the strategy decides
// which entry wins.
type SampleHandler struct {
	strategy Strategy
}

// NewSampleHandler creates a sample handler; a nil strategy selects
// uniform random.
func NewSampleHandler(strategy Strategy) *SampleHandler {
	if strategy == nil {
		strategy = UniformStrategy{}
	}
	return &SampleHandler{strategy: strategy}
}

// Operator returns the handled operator tag.
func (h *SampleHandler) Operator() schema.Operator {
	return schema.OperatorSample
}

// Execute picks from the sampled stack. An empty or missing stack is an
// operator failure, so fallback routing applies.
func (h *SampleHandler) Execute(ctx context.Context, inv *Invocation) (string, error) {
	key := sampleKey(inv.Task)
	if key == "" {
		return "", schema.NewError(schema.ErrCodeMissingInput, "sample requires an input addressing a stack").
			WithTask(inv.Task.ID)
	}

	entries := inv.Memory.GetAll(key)
	if len(entries) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeOperator, "stack %q is empty", key).
			WithTask(inv.Task.ID)
	}

	idx := h.strategy.Pick(len(entries))
	if idx < 0 || idx >= len(entries) {
		return "", schema.NewErrorf(schema.ErrCodeOperator, "sample strategy picked %d of %d", idx, len(entries)).
			WithTask(inv.Task.ID)
	}
	return entries[idx], nil
}

// sampleKey returns the stack key of the task's first stack-addressing
// input.
func sampleKey(task *schema.Task) string {
	for _, in := range task.Inputs {
		switch in.Value.Type {
		case schema.InputTypePop, schema.InputTypePeek, schema.InputTypeGetAll, schema.InputTypeSize:
			return in.Value.Key
		}
	}
	return ""
}
