package engine

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/schema"
)

// extractReturnValue reads the run's result out of final memory and
// applies the declared transformations: post-processing in order, then
// optional JSON re-encoding, then the optional jq filter.
func (e *Engine) extractReturnValue(ctx context.Context, rv schema.ReturnValue, mem *memory.Memory, initialInput string) (string, error) {
	value, ok, err := e.resolveValue(ctx, rv.Input, mem, initialInput)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExpression, "resolve return value: %s", err.Error()).
			WithCause(err)
	}
	if !ok {
		value = ""
	}

	for _, pp := range rv.PostProcess {
		value = applyPostProcess(pp, value)
	}

	if rv.ToJSON {
		value = normalizeJSON(value)
	}

	if rv.JQ != "" {
		filtered, err := e.jq.Filter(ctx, rv.JQ, value)
		if err != nil {
			return "", err
		}
		value = filtered
	}
	return value, nil
}

// applyPostProcess runs one string transformation.
func applyPostProcess(pp schema.PostProcess, value string) string {
	switch pp.Type {
	case schema.PostProcessReplace:
		return strings.ReplaceAll(value, pp.LHS, pp.RHS)
	case schema.PostProcessAppend:
		return value + pp.LHS
	case schema.PostProcessPrepend:
		return pp.LHS + value
	case schema.PostProcessToLower:
		return strings.ToLower(value)
	case schema.PostProcessToUpper:
		return strings.ToUpper(value)
	case schema.PostProcessTrim:
		return strings.TrimSpace(value)
	case schema.PostProcessTrimStart:
		return strings.TrimLeftFunc(value, unicode.IsSpace)
	case schema.PostProcessTrimEnd:
		return strings.TrimRightFunc(value, unicode.IsSpace)
	}
	return value
}

// normalizeJSON re-encodes the value compactly when it parses as JSON;
// values that are not JSON pass through unchanged.
func normalizeJSON(value string) string {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return value
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return value
	}
	return string(encoded)
}
