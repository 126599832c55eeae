package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/schema"
)

// resolveValue resolves one tagged value source against the run's memory.
// ok=false means the source had no value (absent key, empty stack); only
// genuinely broken sources (failed expressions, failed searches) return
// an error.
func (e *Engine) resolveValue(ctx context.Context, iv schema.InputValue, mem *memory.Memory, initialInput string) (string, bool, error) {
	switch iv.Type {
	case schema.InputTypeInput:
		return initialInput, true, nil

	case schema.InputTypeRead:
		v, ok := mem.Read(iv.Key)
		return v, ok, nil

	case schema.InputTypePop:
		v, ok := mem.Pop(iv.Key)
		return v, ok, nil

	case schema.InputTypePeek:
		index := 0
		if iv.Index != nil {
			index = *iv.Index
		}
		v, ok := mem.Peek(iv.Key, index)
		return v, ok, nil

	case schema.InputTypeGetAll:
		entries := mem.GetAll(iv.Key)
		if len(entries) == 0 {
			return "", false, nil
		}
		return strings.Join(entries, "\n"), true, nil

	case schema.InputTypeSize:
		return strconv.Itoa(mem.Size(iv.Key)), true, nil

	case schema.InputTypeSearch:
		hits, err := mem.Search(ctx, "", iv.Key, 0)
		if err != nil {
			return "", false, err
		}
		if len(hits) == 0 {
			return "", false, nil
		}
		texts := make([]string, len(hits))
		for i, hit := range hits {
			texts[i] = hit.Text
		}
		return strings.Join(texts, "\n"), true, nil

	case schema.InputTypeString:
		return iv.Key, true, nil

	case schema.InputTypeExpression:
		scope := expressions.BuildMemoryScope(mem, initialInput)
		out, err := e.expr.Evaluate(ctx, iv.Expression, scope)
		if err != nil {
			return "", false, err
		}
		if out == nil {
			return "", false, nil
		}
		return stringify(out), true, nil

	default:
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "unknown input type %q", iv.Type)
	}
}

// resolveInputs resolves a task's declared inputs. A missing required
// input returns a MISSING_INPUT error; missing optional inputs are
// simply absent from the returned map.
func (e *Engine) resolveInputs(ctx context.Context, task *schema.Task, mem *memory.Memory, initialInput string) (map[string]string, error) {
	values := make(map[string]string, len(task.Inputs))
	for _, in := range task.Inputs {
		v, ok, err := e.resolveValue(ctx, in.Value, mem, initialInput)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeOperator, "resolve input %q: %s", in.Name, err.Error()).
				WithTask(task.ID).
				WithCause(err)
		}
		if !ok {
			if in.Required {
				return nil, schema.NewErrorf(schema.ErrCodeMissingInput, "required input %q has no value", in.Name).
					WithTask(task.ID).
					WithDetails(map[string]any{"input": in.Name, "source": string(in.Value.Type), "key": in.Value.Key})
			}
			continue
		}
		values[in.Name] = v
	}
	return values, nil
}

// fillPrompt replaces every {name} placeholder of the template with the
// corresponding resolved input value. Unresolved placeholders are left
// in place.
func fillPrompt(template string, inputs map[string]string) string {
	out := template
	for name, value := range inputs {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// stringify renders an expression result for memory. Strings pass
// through; composites are JSON-encoded; everything else formats plainly.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any, map[string]any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
