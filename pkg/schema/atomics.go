package schema

// Reserved memory keys and sentinels shared between the engine and
// workflow authors.
const (
	// KeyInput is the cache key holding the run's initial user input.
	KeyInput = "__input"
	// KeyResult is the output-value sentinel resolved to the operator's
	// produced string.
	KeyResult = "__result"
	// KeyEnd is the terminal task sentinel usable as a step target.
	KeyEnd = "__end"
	// KeyExpected and KeyOutput are the two input names the check
	// operator compares.
	KeyExpected = "__expected"
	KeyOutput   = "__output"
)

// Operator enumerates the kinds of external capability a task invokes.
// The set is closed: the engine registers exactly one handler per tag.
type Operator string

const (
	OperatorGeneration      Operator = "generation"
	OperatorFunctionCalling Operator = "function_calling"
	OperatorCheck           Operator = "check"
	OperatorSearch          Operator = "search"
	OperatorSample          Operator = "sample"
	OperatorEnd             Operator = "end"
)

// Valid reports whether the operator tag is a recognized variant.
func (op Operator) Valid() bool {
	switch op {
	case OperatorGeneration, OperatorFunctionCalling, OperatorCheck,
		OperatorSearch, OperatorSample, OperatorEnd:
		return true
	}
	return false
}

// InputType enumerates the sources an input value can be resolved from.
type InputType string

const (
	InputTypeInput      InputType = "input"      // the run's initial user entry
	InputTypeRead       InputType = "read"       // cache lookup by key
	InputTypePop        InputType = "pop"        // destructive stack top
	InputTypePeek       InputType = "peek"       // stack read at offset from top
	InputTypeGetAll     InputType = "get_all"    // whole stack, oldest first
	InputTypeSize       InputType = "size"       // stack length
	InputTypeSearch     InputType = "search"     // semantic store query
	InputTypeString     InputType = "string"     // literal constant
	InputTypeExpression InputType = "expression" // expr-lang computed value
)

// Valid reports whether the input type is a recognized variant.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeInput, InputTypeRead, InputTypePop, InputTypePeek,
		InputTypeGetAll, InputTypeSize, InputTypeSearch, InputTypeString,
		InputTypeExpression:
		return true
	}
	return false
}

// OutputType enumerates how an operator's result is applied to memory.
type OutputType string

const (
	OutputTypeWrite  OutputType = "write"  // cache set (overwrite)
	OutputTypePush   OutputType = "push"   // stack append
	OutputTypeInsert OutputType = "insert" // semantic store add
)

// Valid reports whether the output type is a recognized variant.
func (t OutputType) Valid() bool {
	switch t {
	case OutputTypeWrite, OutputTypePush, OutputTypeInsert:
		return true
	}
	return false
}

// Expression enumerates condition comparison operators. The ordering
// variants parse both operands as floats; a parse failure makes the
// condition evaluate to "not satisfied" rather than aborting the run.
// ExpressionCustom evaluates a CEL predicate over {input, expected}.
type Expression string

const (
	ExpressionEqual              Expression = "equal"
	ExpressionNotEqual           Expression = "not_equal"
	ExpressionContains           Expression = "contains"
	ExpressionNotContains        Expression = "not_contains"
	ExpressionGreaterThan        Expression = "greater_than"
	ExpressionLessThan           Expression = "less_than"
	ExpressionGreaterThanOrEqual Expression = "greater_than_or_equal"
	ExpressionLessThanOrEqual    Expression = "less_than_or_equal"
	ExpressionCustom             Expression = "custom"
)

// Valid reports whether the expression is a recognized variant.
func (e Expression) Valid() bool {
	switch e {
	case ExpressionEqual, ExpressionNotEqual, ExpressionContains,
		ExpressionNotContains, ExpressionGreaterThan, ExpressionLessThan,
		ExpressionGreaterThanOrEqual, ExpressionLessThanOrEqual,
		ExpressionCustom:
		return true
	}
	return false
}

// PostProcessType enumerates the return-value post-processing operations.
type PostProcessType string

const (
	PostProcessReplace   PostProcessType = "replace"
	PostProcessAppend    PostProcessType = "append"
	PostProcessPrepend   PostProcessType = "prepend"
	PostProcessToLower   PostProcessType = "to_lower"
	PostProcessToUpper   PostProcessType = "to_upper"
	PostProcessTrim      PostProcessType = "trim"
	PostProcessTrimStart PostProcessType = "trim_start"
	PostProcessTrimEnd   PostProcessType = "trim_end"
)

// Valid reports whether the post-process type is a recognized variant.
func (t PostProcessType) Valid() bool {
	switch t {
	case PostProcessReplace, PostProcessAppend, PostProcessPrepend,
		PostProcessToLower, PostProcessToUpper, PostProcessTrim,
		PostProcessTrimStart, PostProcessTrimEnd:
		return true
	}
	return false
}

// ToolAll is the sentinel enabling every builtin tool.
const ToolAll = "ALL"

// BuiltinTools lists the tool identifiers a workflow config may enable
// for the function_calling operator.
var BuiltinTools = []string{
	"browserless",
	"jina",
	"serper",
	"duckduckgo",
	"stock",
	"scraper",
}

// KnownTool reports whether name is a builtin tool identifier.
func KnownTool(name string) bool {
	for _, t := range BuiltinTools {
		if t == name {
			return true
		}
	}
	return false
}
