// Package expressions hosts the three expression engines the runtime
// embeds: CEL for custom condition predicates, expr-lang for computed
// input sources, and gojq for return-value filters. All engines cache
// compiled programs and are safe for concurrent use across runs.
package expressions

import "context"

// Engine evaluates an expression against a data scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
