package transform

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/smile-health/interop/internal/cloudevents"
)

// FieldError describes one failed mapping or schema violation.
type FieldError struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Value      any    `json:"value,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// resolver turns a mapping source expression into a value. The boolean is
// false when the source is undefined.
type resolver func(source string) (any, bool)

// eventResolver resolves $.path expressions against the whole event.
func eventResolver(event *cloudevents.Event) resolver {
	return func(source string) (any, bool) {
		path, ok := strings.CutPrefix(source, "$.")
		if !ok {
			return nil, false
		}
		result := event.Field(path)
		if !result.Exists() {
			return nil, false
		}
		return result.Value(), true
	}
}

// applyMappings runs an ordered mapping list against the resolver and
// writes the results into a JSON document. Mapping failures accumulate;
// later mappings still run.
func applyMappings(out []byte, mappings []Mapping, resolve resolver, ft *funcTable) ([]byte, []FieldError) {
	var errs []FieldError

	for i := range mappings {
		m := &mappings[i]

		value, defined := resolveSource(m, resolve)

		if defined {
			transformed, err := ft.ApplyChain(m.transformChain(), value)
			if err != nil {
				errs = append(errs, FieldError{
					Field:      m.Target,
					Message:    err.Error(),
					Value:      value,
					Constraint: "transform",
				})
				continue
			}
			value = transformed
			defined = value != nil
		}

		if !defined && m.DefaultValue != nil {
			value = m.DefaultValue
			defined = true
		}

		if !defined {
			if m.Required {
				errs = append(errs, FieldError{
					Field:      m.Target,
					Message:    fmt.Sprintf("required field %s has no value", m.Target),
					Constraint: "required",
				})
			}
			continue
		}

		updated, err := sjson.SetBytes(out, targetPath(m.Target), value)
		if err != nil {
			errs = append(errs, FieldError{
				Field:      m.Target,
				Message:    fmt.Sprintf("cannot write target path: %v", err),
				Value:      value,
				Constraint: "target",
			})
			continue
		}
		out = updated
	}

	return out, errs
}

// resolveSource produces the mapping's input value: a literal when Value
// is set, a resolved path otherwise.
func resolveSource(m *Mapping, resolve resolver) (any, bool) {
	if m.Value != nil {
		return m.Value, true
	}
	if m.Source == "" {
		return nil, false
	}
	return resolve(m.Source)
}

// targetPath converts a mapping target ("$.code.coding[0].system" or
// "patient.name") into an sjson path ("code.coding.0.system").
func targetPath(target string) string {
	target = strings.TrimPrefix(target, "$.")
	var b strings.Builder
	b.Grow(len(target))
	for i := 0; i < len(target); i++ {
		switch target[i] {
		case '[':
			b.WriteByte('.')
		case ']':
			// closing bracket is dropped; a following '.' is kept
		default:
			b.WriteByte(target[i])
		}
	}
	return b.String()
}
