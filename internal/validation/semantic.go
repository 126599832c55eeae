package validation

import (
	"fmt"

	"github.com/rendis/loom/pkg/schema"
)

// SemanticValidator checks cross-field rules that the JSON Schema cannot
// express: identifier uniqueness, reference resolution, enum coherence,
// and operator contracts.
type SemanticValidator struct{}

// NewSemanticValidator creates a semantic validator.
func NewSemanticValidator() *SemanticValidator {
	return &SemanticValidator{}
}

// Validate runs every semantic rule and aggregates all findings.
func (v *SemanticValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	taskIDs := v.checkTasks(wf, result)
	v.checkSteps(wf, taskIDs, result)
	v.checkEntry(wf, taskIDs, result)
	v.checkTools(wf, result)
	v.checkReturnValue(wf, result)

	return result
}

// checkTasks validates task uniqueness, operator tags, bindings, and the
// exactly-one-end rule. Returns the set of declared task ids.
func (v *SemanticValidator) checkTasks(wf *schema.Workflow, result *schema.ValidationResult) map[string]bool {
	taskIDs := make(map[string]bool, len(wf.Tasks))
	endCount := 0

	for i, task := range wf.Tasks {
		path := fmt.Sprintf("/tasks/%d", i)

		if taskIDs[task.ID] {
			result.Addf(path+"/id", schema.ErrCodeValidation,
				"duplicate task id %q", task.ID)
		}
		taskIDs[task.ID] = true

		if task.ID == schema.KeyEnd {
			result.Addf(path+"/id", schema.ErrCodeValidation,
				"task id %q is reserved", schema.KeyEnd)
		}

		if !task.Operator.Valid() {
			result.Addf(path+"/operator", schema.ErrCodeValidation,
				"unknown operator %q", task.Operator)
		}
		if task.Operator == schema.OperatorEnd {
			endCount++
		}

		v.checkInputs(task, path, result)
		v.checkOutputs(task, path, result)
	}

	if endCount != 1 {
		result.Addf("/tasks", schema.ErrCodeValidation,
			"workflow must declare exactly one end task, found %d", endCount)
	}

	return taskIDs
}

func (v *SemanticValidator) checkInputs(task schema.Task, path string, result *schema.ValidationResult) {
	for j, in := range task.Inputs {
		ipath := fmt.Sprintf("%s/inputs/%d", path, j)
		v.checkInputValue(in.Value, ipath+"/value", result)
	}

	if task.Operator == schema.OperatorCheck {
		names := make(map[string]bool, len(task.Inputs))
		for _, in := range task.Inputs {
			names[in.Name] = true
		}
		if !names[schema.KeyExpected] || !names[schema.KeyOutput] {
			result.Addf(path+"/inputs", schema.ErrCodeValidation,
				"check task %q must declare inputs named %q and %q",
				task.ID, schema.KeyExpected, schema.KeyOutput)
		}
	}
}

// checkInputValue validates one tagged value source. Shared between task
// inputs, condition inputs, and the return value.
func (v *SemanticValidator) checkInputValue(iv schema.InputValue, path string, result *schema.ValidationResult) {
	if !iv.Type.Valid() {
		result.Addf(path+"/type", schema.ErrCodeValidation,
			"unknown input type %q", iv.Type)
		return
	}

	switch iv.Type {
	case schema.InputTypeRead, schema.InputTypePop, schema.InputTypePeek,
		schema.InputTypeGetAll, schema.InputTypeSize, schema.InputTypeSearch:
		if iv.Key == "" {
			result.Addf(path+"/key", schema.ErrCodeValidation,
				"input type %q requires a key", iv.Type)
		}
	case schema.InputTypeExpression:
		if iv.Expression == "" {
			result.Addf(path+"/expression", schema.ErrCodeValidation,
				"input type %q requires an expression", iv.Type)
		}
	}

	if iv.Type == schema.InputTypePeek && iv.Index == nil {
		result.Addf(path+"/index", schema.ErrCodeValidation,
			"input type peek requires an index")
	}
	if iv.Index != nil && *iv.Index < 0 {
		result.Addf(path+"/index", schema.ErrCodeValidation,
			"index must be non-negative, got %d", *iv.Index)
	}
}

func (v *SemanticValidator) checkOutputs(task schema.Task, path string, result *schema.ValidationResult) {
	for j, out := range task.Outputs {
		opath := fmt.Sprintf("%s/outputs/%d", path, j)
		if !out.Type.Valid() {
			result.Addf(opath+"/type", schema.ErrCodeValidation,
				"unknown output type %q", out.Type)
			continue
		}
		// Insert targets the shared semantic store; only cache and stack
		// outputs address a key.
		if out.Key == "" && out.Type != schema.OutputTypeInsert {
			result.Addf(opath+"/key", schema.ErrCodeValidation,
				"output type %q requires a key", out.Type)
		}
	}
}

// checkSteps validates the transition table: references resolve, at most
// one step per source, and condition contracts hold.
func (v *SemanticValidator) checkSteps(wf *schema.Workflow, taskIDs map[string]bool, result *schema.ValidationResult) {
	resolves := func(id string) bool {
		return id == schema.KeyEnd || taskIDs[id]
	}
	sources := make(map[string]bool, len(wf.Steps))

	for i, step := range wf.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if sources[step.Source] {
			result.Addf(path+"/source", schema.ErrCodeValidation,
				"duplicate step for source %q", step.Source)
		}
		sources[step.Source] = true

		if !taskIDs[step.Source] {
			result.Addf(path+"/source", schema.ErrCodeValidation,
				"step source %q does not name a task", step.Source)
		}
		if !resolves(step.Target) {
			result.Addf(path+"/target", schema.ErrCodeValidation,
				"step target %q does not name a task or %q", step.Target, schema.KeyEnd)
		}
		if step.Fallback != "" && !resolves(step.Fallback) {
			result.Addf(path+"/fallback", schema.ErrCodeValidation,
				"step fallback %q does not name a task or %q", step.Fallback, schema.KeyEnd)
		}

		if step.Condition != nil {
			v.checkCondition(step.Condition, path+"/condition", resolves, result)
		}
	}
}

func (v *SemanticValidator) checkCondition(cond *schema.Condition, path string, resolves func(string) bool, result *schema.ValidationResult) {
	v.checkInputValue(cond.Input, path+"/input", result)

	if !cond.Expression.Valid() {
		result.Addf(path+"/expression", schema.ErrCodeValidation,
			"unknown condition expression %q", cond.Expression)
	}
	if cond.Expression == schema.ExpressionCustom && cond.Predicate == "" {
		result.Addf(path+"/predicate", schema.ErrCodeValidation,
			"custom condition requires a predicate")
	}
	if cond.Expression != schema.ExpressionCustom && cond.Predicate != "" {
		result.Addf(path+"/predicate", schema.ErrCodeValidation,
			"predicate is only valid with the custom expression")
	}
	if !resolves(cond.TargetIfNot) {
		result.Addf(path+"/target_if_not", schema.ErrCodeValidation,
			"condition target %q does not name a task or %q", cond.TargetIfNot, schema.KeyEnd)
	}
}

// checkEntry validates that the run has a resolvable starting task.
func (v *SemanticValidator) checkEntry(wf *schema.Workflow, taskIDs map[string]bool, result *schema.ValidationResult) {
	if wf.Entry != "" && !taskIDs[wf.Entry] {
		result.Addf("/entry", schema.ErrCodeValidation,
			"entry %q does not name a task", wf.Entry)
		return
	}
	if wf.EntryTaskID() == "" {
		result.Add("/entry", schema.ErrCodeValidation,
			"no entry task: declare entry or at least one step")
	}
}

// checkTools validates tool identifiers: either the ALL sentinel alone or
// a list of known builtins.
func (v *SemanticValidator) checkTools(wf *schema.Workflow, result *schema.ValidationResult) {
	tools := wf.Config.Tools
	if wf.Config.AllTools() {
		return
	}
	for i, name := range tools {
		if name == schema.ToolAll {
			result.Addf(fmt.Sprintf("/config/tools/%d", i), schema.ErrCodeValidation,
				"%q must be the only tools entry", schema.ToolAll)
			continue
		}
		if !schema.KnownTool(name) {
			result.Addf(fmt.Sprintf("/config/tools/%d", i), schema.ErrCodeValidation,
				"unknown tool %q", name)
		}
	}

	if ct := wf.Config.CustomTool; ct != nil && schema.KnownTool(ct.Name) {
		result.Addf("/config/custom_tool/name", schema.ErrCodeValidation,
			"custom tool name %q shadows a builtin tool", ct.Name)
	}
}

func (v *SemanticValidator) checkReturnValue(wf *schema.Workflow, result *schema.ValidationResult) {
	v.checkInputValue(wf.ReturnValue.Input, "/return_value/input", result)

	for i, pp := range wf.ReturnValue.PostProcess {
		path := fmt.Sprintf("/return_value/post_process/%d", i)
		if !pp.Type.Valid() {
			result.Addf(path+"/process_type", schema.ErrCodeValidation,
				"unknown post-process type %q", pp.Type)
		}
		if pp.Type == schema.PostProcessReplace && pp.LHS == "" {
			result.Addf(path+"/lhs", schema.ErrCodeValidation,
				"replace requires a non-empty lhs")
		}
	}
}
