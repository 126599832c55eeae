package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/schema"
)

// evaluateCondition resolves the condition's input and compares it to
// the expected literal. The boolean result picks between the step's
// target and its target_if_not. An input with no value compares as the
// empty string's result, "not satisfied", and the run continues via
// target_if_not; only broken conditions (failed expression, invalid
// predicate) return an error.
func (e *Engine) evaluateCondition(ctx context.Context, cond *schema.Condition, mem *memory.Memory, initialInput string) (bool, error) {
	value, ok, err := e.resolveValue(ctx, cond.Input, mem, initialInput)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "resolve condition input: %s", err.Error()).
			WithCause(err)
	}
	if !ok {
		return false, nil
	}
	return e.compare(ctx, cond.Expression, value, cond.Expected, cond.Predicate)
}

// compare applies one comparison operator. Ordering comparisons parse
// both operands as floats; a parse failure means "not satisfied" rather
// than an aborted run.
func (e *Engine) compare(ctx context.Context, op schema.Expression, input, expected, predicate string) (bool, error) {
	switch op {
	case schema.ExpressionEqual:
		return input == expected, nil
	case schema.ExpressionNotEqual:
		return input != expected, nil
	case schema.ExpressionContains:
		return strings.Contains(input, expected), nil
	case schema.ExpressionNotContains:
		return !strings.Contains(input, expected), nil

	case schema.ExpressionGreaterThan, schema.ExpressionLessThan,
		schema.ExpressionGreaterThanOrEqual, schema.ExpressionLessThanOrEqual:
		lhs, err1 := strconv.ParseFloat(strings.TrimSpace(input), 64)
		rhs, err2 := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err1 != nil || err2 != nil {
			return false, nil
		}
		switch op {
		case schema.ExpressionGreaterThan:
			return lhs > rhs, nil
		case schema.ExpressionLessThan:
			return lhs < rhs, nil
		case schema.ExpressionGreaterThanOrEqual:
			return lhs >= rhs, nil
		default:
			return lhs <= rhs, nil
		}

	case schema.ExpressionCustom:
		return e.cel.EvaluatePredicate(ctx, predicate, input, expected)

	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition expression %q", op)
	}
}
