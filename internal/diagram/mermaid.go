// Package diagram renders workflow definitions as Mermaid flowcharts for
// documentation and debugging.
package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

const endNodeID = "__end"

// RenderMermaid renders a workflow's task graph as a Mermaid flowchart.
// Targets are solid edges, fallbacks dashed, condition alternatives
// labeled with the comparison that routes them.
func RenderMermaid(wf *schema.Workflow) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if wf.Name != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", wf.Name))
	}

	for _, task := range wf.Tasks {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(task)))
	}
	b.WriteString(fmt.Sprintf("    %s((\"end\"))\n", safeID(endNodeID)))

	entry := wf.EntryTaskID()
	for _, step := range wf.Steps {
		target := step.Target
		if step.Condition != nil {
			b.WriteString(fmt.Sprintf("    %s -->|%s| %s\n",
				safeID(step.Source), conditionLabel(step.Condition), safeID(target)))
			b.WriteString(fmt.Sprintf("    %s -->|else| %s\n",
				safeID(step.Source), safeID(step.Condition.TargetIfNot)))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(step.Source), safeID(target)))
		}
		if step.Fallback != "" {
			b.WriteString(fmt.Sprintf("    %s -.->|fallback| %s\n",
				safeID(step.Source), safeID(step.Fallback)))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef entry fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef terminal fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	if entry != "" {
		b.WriteString(fmt.Sprintf("    class %s entry\n", safeID(entry)))
	}
	b.WriteString(fmt.Sprintf("    class %s terminal\n", safeID(endNodeID)))

	return b.String()
}

// nodeDef returns a node definition shaped by the task's operator.
func nodeDef(task schema.Task) string {
	id := safeID(task.ID)
	label := escapeLabel(task.Name)
	if label == "" {
		label = task.ID
	}

	switch task.Operator {
	case schema.OperatorCheck:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.OperatorFunctionCalling:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.OperatorSearch:
		return fmt.Sprintf("%s[(%q)]", id, label)
	case schema.OperatorSample:
		return fmt.Sprintf("%s([%q])", id, label)
	case schema.OperatorEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// conditionLabel summarizes the routing comparison for the edge label.
func conditionLabel(cond *schema.Condition) string {
	if cond.Expression == schema.ExpressionCustom {
		return "custom"
	}
	op := map[schema.Expression]string{
		schema.ExpressionEqual:              "==",
		schema.ExpressionNotEqual:           "!=",
		schema.ExpressionContains:           "contains",
		schema.ExpressionNotContains:        "!contains",
		schema.ExpressionGreaterThan:        ">",
		schema.ExpressionLessThan:           "<",
		schema.ExpressionGreaterThanOrEqual: ">=",
		schema.ExpressionLessThanOrEqual:    "<=",
	}[cond.Expression]
	if op == "" {
		op = string(cond.Expression)
	}
	return escapeLabel(op + " " + cond.Expected)
}

// safeID converts a task id to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// escapeLabel strips characters that break Mermaid edge labels.
func escapeLabel(s string) string {
	r := strings.NewReplacer("|", "/", "\"", "'", "\n", " ")
	return r.Replace(s)
}
