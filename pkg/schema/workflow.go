package schema

import (
	"encoding/json"
	"fmt"
)

// Workflow is the immutable, parsed description of a task graph. It is
// shared read-only across a whole run; all mutable state lives in the
// run's memory.
type Workflow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Config      Config `json:"config"`

	// Entry is the declared entry task id. When empty, the source of
	// the first declared step is used (legacy convention).
	Entry string `json:"entry,omitempty"`

	// ExternalMemory is preloaded into the run's memory before the
	// first task executes: scalar values into the cache, list values
	// onto the stack of the same key.
	ExternalMemory map[string]StringOrList `json:"external_memory,omitempty"`

	Tasks       []Task      `json:"tasks"`
	Steps       []Step      `json:"steps"`
	ReturnValue ReturnValue `json:"return_value"`
}

// Config holds the run budgets and tool surface of a workflow.
type Config struct {
	// MaxSteps bounds the number of task invocations in one run.
	MaxSteps int `json:"max_steps"`
	// MaxTime bounds the run's wall clock, in seconds.
	MaxTime int `json:"max_time"`
	// Tools lists enabled builtin tool identifiers, or [ToolAll].
	Tools []string `json:"tools,omitempty"`
	// CustomTool is an ad-hoc REST tool made available alongside Tools.
	CustomTool *CustomTool `json:"custom_tool,omitempty"`
	// MaxTokens caps generation length; nil means backend default.
	MaxTokens *int `json:"max_tokens,omitempty"`
}

// AllTools reports whether the config enables the full builtin tool set.
func (c Config) AllTools() bool {
	return len(c.Tools) == 1 && c.Tools[0] == ToolAll
}

// CustomTool describes an ad-hoc REST endpoint callable by the
// function_calling operator. Body keys double as the tool's declared
// string parameters.
type CustomTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        map[string]string `json:"body,omitempty"`
}

// Task is a single node of the graph: a prompt template, an operator tag,
// and the memory bindings around the invocation. Tasks carry no
// per-execution state and may be re-entered many times in one run.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt"`
	Inputs      []Input  `json:"inputs,omitempty"`
	Operator    Operator `json:"operator"`
	Outputs     []Output `json:"outputs,omitempty"`
}

// Input binds a prompt placeholder to a value source.
type Input struct {
	Name     string     `json:"name"`
	Value    InputValue `json:"value"`
	Required bool       `json:"required"`
}

// InputValue is a tagged value source resolved against memory or the
// run's initial input.
type InputValue struct {
	Type InputType `json:"type"`
	// Key addresses the cache/stack/store entry, or holds the literal
	// for InputTypeString.
	Key string `json:"key,omitempty"`
	// Index is the peek offset from the top of the stack (0 = top).
	Index *int `json:"index,omitempty"`
	// Expression is the expr-lang source for InputTypeExpression.
	Expression string `json:"expression,omitempty"`
}

// Output describes how one value is applied back into memory.
type Output struct {
	Type OutputType `json:"type"`
	Key  string     `json:"key,omitempty"`
	// Value is KeyResult to use the operator's produced string, or any
	// other literal to store verbatim.
	Value string `json:"value"`
}

// Step is a directed edge of the transition table. Fallback is taken when
// executing Source fails; Condition picks between Target and its
// TargetIfNot when present.
type Step struct {
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Fallback  string     `json:"fallback,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
}

// Condition is a post-task comparison choosing between two next tasks.
type Condition struct {
	Input      InputValue `json:"input"`
	Expected   string     `json:"expected"`
	Expression Expression `json:"expression"`
	// Predicate is the CEL source for ExpressionCustom; it sees the
	// variables `input` and `expected` as strings.
	Predicate   string `json:"predicate,omitempty"`
	TargetIfNot string `json:"target_if_not"`
}

// ReturnValue specifies how the run's result is extracted from final
// memory once the end task is reached.
type ReturnValue struct {
	Input InputValue `json:"input"`
	// ToJSON re-encodes the value as JSON when it parses as such.
	ToJSON bool `json:"to_json,omitempty"`
	// PostProcess is applied in declaration order after extraction.
	PostProcess []PostProcess `json:"post_process,omitempty"`
	// JQ is an optional gojq filter applied when the value parses as
	// JSON. Runs after PostProcess.
	JQ string `json:"jq,omitempty"`
}

// PostProcess is one string transformation of the return value.
type PostProcess struct {
	Type PostProcessType `json:"process_type"`
	LHS  string          `json:"lhs,omitempty"`
	RHS  string          `json:"rhs,omitempty"`
}

// StringOrList accepts either a scalar string or a list of strings in
// the external_memory block.
type StringOrList struct {
	Values []string
	List   bool
}

// UnmarshalJSON accepts "v" or ["a","b"].
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		s.Values = []string{single}
		s.List = false
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("external_memory entries must be string or []string")
	}
	s.Values = many
	s.List = true
	return nil
}

// MarshalJSON emits the scalar form when the entry was a scalar.
func (s StringOrList) MarshalJSON() ([]byte, error) {
	if !s.List && len(s.Values) == 1 {
		return json.Marshal(s.Values[0])
	}
	return json.Marshal(s.Values)
}

// TaskByID returns the task with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// StepBySource returns the step whose source is the given task id, or
// nil. Load-time validation guarantees at most one such step.
func (w *Workflow) StepBySource(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Source == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// EntryTaskID resolves the entry task: the declared Entry when set,
// otherwise the source of the first declared step.
func (w *Workflow) EntryTaskID() string {
	if w.Entry != "" {
		return w.Entry
	}
	if len(w.Steps) > 0 {
		return w.Steps[0].Source
	}
	return ""
}

// EndTaskID returns the id of the task carrying the end operator, or "".
func (w *Workflow) EndTaskID() string {
	for i := range w.Tasks {
		if w.Tasks[i].Operator == OperatorEnd {
			return w.Tasks[i].ID
		}
	}
	return ""
}
