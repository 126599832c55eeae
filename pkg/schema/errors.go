package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeMissingInput = "MISSING_INPUT"
	ErrCodeOperator     = "OPERATOR_FAILED"
	ErrCodeCondition    = "CONDITION_ERROR"
	ErrCodeExpression   = "EXPRESSION_ERROR"
	ErrCodeStepLimit    = "STEP_LIMIT_EXCEEDED"
	ErrCodeTimeLimit    = "TIME_LIMIT_EXCEEDED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeTool         = "TOOL_ERROR"
)

// LoomError is the structured error type for all loom operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *LoomError) WithTask(taskID string) *LoomError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}

// ValidationIssue is a single load-time validation problem with its
// location in the definition.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates every issue found by the validation
// pipeline so authors see all problems at once.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid returns true when no issues were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add appends an issue.
func (r *ValidationResult) Add(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// Addf appends an issue with a formatted message.
func (r *ValidationResult) Addf(path, code, format string, args ...any) {
	r.Add(path, code, fmt.Sprintf(format, args...))
}

// Merge combines another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result to a LoomError when invalid, nil otherwise.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Issues[0].Message
	if len(r.Issues) > 1 {
		msg = fmt.Sprintf("workflow validation failed with %d errors", len(r.Issues))
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"issue_count": len(r.Issues),
		"issues":      r.Issues,
	})
}
