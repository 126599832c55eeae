// Package validation implements the three-stage load-time pipeline for
// workflow definitions: structural (JSON Schema), semantic (cross-field
// rules), and graph (reachability). Structural failures short-circuit the
// later stages since they cannot trust the shape of the document.
package validation

import (
	"github.com/rendis/loom/pkg/schema"
)

// Pipeline runs the full validation sequence over parsed workflows.
type Pipeline struct {
	structural *StructuralValidator
	semantic   *SemanticValidator
	graph      *GraphValidator
}

// NewPipeline creates the standard three-stage pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		structural: NewStructuralValidator(),
		semantic:   NewSemanticValidator(),
		graph:      NewGraphValidator(),
	}
}

// Validate runs all stages and aggregates their findings. Semantic and
// graph checks only run when the structural stage passes; the graph stage
// only runs when semantics pass, so it can assume resolved references.
func (p *Pipeline) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := p.structural.Validate(wf)
	if !result.Valid() {
		return result
	}

	result.Merge(p.semantic.Validate(wf))
	if !result.Valid() {
		return result
	}

	result.Merge(p.graph.Validate(wf))
	return result
}

// ValidateWorkflow is the package-level convenience for one-shot checks.
func ValidateWorkflow(wf *schema.Workflow) error {
	return NewPipeline().Validate(wf).ToError()
}
