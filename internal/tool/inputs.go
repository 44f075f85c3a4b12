package tool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Kind is a primitive input type.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// FieldType is a primitive kind, optionally wrapped in a list.
type FieldType struct {
	Kind Kind
	List bool
}

func Scalar(k Kind) FieldType { return FieldType{Kind: k} }
func ListOf(k Kind) FieldType { return FieldType{Kind: k, List: true} }

func (t FieldType) String() string {
	if t.List {
		return "list[" + string(t.Kind) + "]"
	}
	return string(t.Kind)
}

// Field describes one declared tool input.
type Field struct {
	Type        FieldType
	Required    bool
	Default     any
	Description string
}

// Schema maps input names to their declarations.
type Schema map[string]Field

// Validate checks model-derived inputs against the schema, applying
// defaults and coercing loose scalar types. Unknown keys are dropped;
// models invent them often enough that rejecting would stall runs.
func (s Schema) Validate(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for name, field := range s {
		v, ok := inputs[name]
		if !ok || v == nil {
			if field.Default != nil {
				out[name] = field.Default
				continue
			}
			if field.Required {
				return nil, errs.Tool("missing required input %q", name)
			}
			continue
		}
		coerced, err := coerce(v, field.Type)
		if err != nil {
			return nil, errs.Tool("input %q: %v", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerce(v any, t FieldType) (any, error) {
	if t.List {
		var items []any
		switch vv := v.(type) {
		case []any:
			items = vv
		case []string:
			for _, s := range vv {
				items = append(items, s)
			}
		default:
			// A bare scalar stands in for a one-element list.
			items = []any{v}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			c, err := coerceScalar(item, t.Kind)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}
	return coerceScalar(v, t.Kind)
}

func coerceScalar(v any, k Kind) (any, error) {
	switch k {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case KindInt:
		switch vv := v.(type) {
		case int:
			return vv, nil
		case int64:
			return int(vv), nil
		case float64:
			if vv == float64(int(vv)) {
				return int(vv), nil
			}
			return nil, fmt.Errorf("%v is not an integer", vv)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(vv))
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", vv)
			}
			return n, nil
		}
	case KindFloat:
		switch vv := v.(type) {
		case float64:
			return vv, nil
		case int:
			return float64(vv), nil
		case int64:
			return float64(vv), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(vv), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", vv)
			}
			return f, nil
		}
	case KindBool:
		switch vv := v.(type) {
		case bool:
			return vv, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(vv)) {
			case "true", "yes", "1":
				return true, nil
			case "false", "no", "0":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a bool", vv)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, k)
}

// StringInput reads a validated string input.
func StringInput(inputs map[string]any, name string) string {
	s, _ := inputs[name].(string)
	return s
}

// IntInput reads a validated int input, falling back to def.
func IntInput(inputs map[string]any, name string, def int) int {
	if n, ok := inputs[name].(int); ok {
		return n
	}
	return def
}

// StringListInput reads a validated list[string] input.
func StringListInput(inputs map[string]any, name string) []string {
	items, ok := inputs[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
