package validation

import (
	"fmt"

	"github.com/rendis/loom/pkg/schema"
)

// GraphValidator checks structural properties of the transition table as
// a directed graph: every task is reachable from the entry and the end
// task is reachable from every node. Runs only after semantic validation
// so all references are known to resolve.
type GraphValidator struct{}

// NewGraphValidator creates a graph validator.
func NewGraphValidator() *GraphValidator {
	return &GraphValidator{}
}

// Validate walks the graph from the entry task following targets,
// fallbacks, and condition alternatives.
func (v *GraphValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	entry := wf.EntryTaskID()
	if entry == "" {
		return result
	}

	// edges[source] lists every task id directly executable after source.
	edges := make(map[string][]string, len(wf.Steps))
	for _, step := range wf.Steps {
		next := []string{step.Target}
		if step.Fallback != "" {
			next = append(next, step.Fallback)
		}
		if step.Condition != nil {
			next = append(next, step.Condition.TargetIfNot)
		}
		edges[step.Source] = next
	}

	reached := make(map[string]bool, len(wf.Tasks))
	var visit func(id string)
	visit = func(id string) {
		if id == schema.KeyEnd || reached[id] {
			return
		}
		reached[id] = true
		for _, next := range edges[id] {
			visit(next)
		}
	}
	visit(entry)

	for i, task := range wf.Tasks {
		if !reached[task.ID] {
			result.Addf(fmt.Sprintf("/tasks/%d", i), schema.ErrCodeValidation,
				"task %q is unreachable from entry %q", task.ID, entry)
		}
	}

	endID := wf.EndTaskID()
	if endID != "" && reached[endID] {
		return result
	}
	// The end task may also be addressed through the __end sentinel; only
	// flag a run that can never terminate.
	if !v.canReachEnd(entry, edges, endID) {
		result.Add("/steps", schema.ErrCodeValidation,
			"no path from the entry task to the end task")
	}
	return result
}

// canReachEnd reports whether any walk from entry arrives at the end task
// or the __end sentinel.
func (v *GraphValidator) canReachEnd(entry string, edges map[string][]string, endID string) bool {
	seen := make(map[string]bool)
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == schema.KeyEnd || (endID != "" && id == endID) {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, edges[id]...)
	}
	return false
}
