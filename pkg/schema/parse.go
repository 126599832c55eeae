package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a JSON workflow definition. It performs no validation
// beyond decoding; see internal/validation for the load-time pipeline.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	return &wf, nil
}

// ParseYAML decodes a YAML workflow definition by normalizing it through
// JSON, so both formats share one set of field names.
func ParseYAML(data []byte) (*Workflow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow yaml: %s", err.Error()).WithCause(err)
	}
	normalized, err := json.Marshal(yamlToJSON(raw))
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "normalize workflow yaml: %s", err.Error()).WithCause(err)
	}
	return Parse(normalized)
}

// LoadFile reads a workflow from disk, choosing the decoder by extension
// (.yaml/.yml vs .json).
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeNotFound, "read workflow file: %s", err.Error()).WithCause(err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// yamlToJSON rewrites yaml.v3's map[string]any/map[any]any trees into
// json.Marshal-able values.
func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = yamlToJSON(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = yamlToJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = yamlToJSON(item)
		}
		return out
	default:
		return val
	}
}
