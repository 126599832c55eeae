package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/loom/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loom.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "config", "tasks", "steps", "return_value"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "entry": {"type": "string"},
    "config": {"$ref": "#/$defs/config"},
    "external_memory": {
      "type": "object",
      "additionalProperties": {
        "anyOf": [
          {"type": "string"},
          {"type": "array", "items": {"type": "string"}}
        ]
      }
    },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/task"}
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "return_value": {"$ref": "#/$defs/return_value"}
  },
  "additionalProperties": false,
  "$defs": {
    "config": {
      "type": "object",
      "required": ["max_steps", "max_time"],
      "properties": {
        "max_steps": {"type": "integer", "minimum": 1},
        "max_time": {"type": "integer", "minimum": 1},
        "tools": {"type": "array", "items": {"type": "string"}},
        "custom_tool": {"$ref": "#/$defs/custom_tool"},
        "max_tokens": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "custom_tool": {
      "type": "object",
      "required": ["name", "url", "method"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "url": {"type": "string", "minLength": 1},
        "method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "body": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["id", "name", "operator"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "prompt": {"type": "string"},
        "inputs": {"type": "array", "items": {"$ref": "#/$defs/input"}},
        "operator": {
          "type": "string",
          "enum": ["generation", "function_calling", "check", "search", "sample", "end"]
        },
        "outputs": {"type": "array", "items": {"$ref": "#/$defs/output"}}
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "required": ["name", "value"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "value": {"$ref": "#/$defs/input_value"},
        "required": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "input_value": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["input", "read", "pop", "peek", "get_all", "size", "search", "string", "expression"]
        },
        "key": {"type": "string"},
        "index": {"type": "integer", "minimum": 0},
        "expression": {"type": "string"}
      },
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["type", "value"],
      "properties": {
        "type": {"type": "string", "enum": ["write", "push", "insert"]},
        "key": {"type": "string"},
        "value": {"type": "string"}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {"type": "string", "minLength": 1},
        "target": {"type": "string", "minLength": 1},
        "fallback": {"type": "string"},
        "condition": {"$ref": "#/$defs/condition"}
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["input", "expected", "expression", "target_if_not"],
      "properties": {
        "input": {"$ref": "#/$defs/input_value"},
        "expected": {"type": "string"},
        "expression": {
          "type": "string",
          "enum": ["equal", "not_equal", "contains", "not_contains", "greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal", "custom"]
        },
        "predicate": {"type": "string"},
        "target_if_not": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "return_value": {
      "type": "object",
      "required": ["input"],
      "properties": {
        "input": {"$ref": "#/$defs/input_value"},
        "to_json": {"type": "boolean"},
        "jq": {"type": "string"},
        "post_process": {
          "type": "array",
          "items": {"$ref": "#/$defs/post_process"}
        }
      },
      "additionalProperties": false
    },
    "post_process": {
      "type": "object",
      "required": ["process_type"],
      "properties": {
        "process_type": {
          "type": "string",
          "enum": ["replace", "append", "prepend", "to_lower", "to_upper", "trim", "trim_start", "trim_end"]
        },
        "lhs": {"type": "string"},
        "rhs": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

// WorkflowSchemaJSON returns the embedded workflow definition schema,
// for callers that publish it (the MCP resource surface).
func WorkflowSchemaJSON() string {
	return workflowSchemaJSON
}

// StructuralValidator checks raw definitions against the embedded JSON
// Schema before any semantic analysis.
type StructuralValidator struct {
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// NewStructuralValidator creates a validator; schema compilation is
// deferred to first use.
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

// Validate round-trips the workflow through JSON and checks it against
// the workflow schema, collecting one issue per violation.
func (v *StructuralValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	compiled, err := v.schema()
	if err != nil {
		result.Addf("/", schema.ErrCodeValidation, "compile workflow schema: %s", err.Error())
		return result
	}

	value, err := toJSONValue(wf)
	if err != nil {
		result.Addf("/", schema.ErrCodeValidation, "encode workflow: %s", err.Error())
		return result
	}

	if err := compiled.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.Add("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, violation := range collectViolations(verr) {
			result.Add(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
	return result
}

func (v *StructuralValidator) schema() (*jsonschema.Schema, error) {
	v.compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
		if err != nil {
			v.compileErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		const url = "loom://schemas/workflow.json"
		if err := c.AddResource(url, doc); err != nil {
			v.compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		v.compiled, v.compileErr = c.Compile(url)
	})
	return v.compiled, v.compileErr
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
