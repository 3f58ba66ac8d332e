package transform

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/smile-health/interop/internal/cloudevents"
)

// buildFHIR produces a FHIR R4 resource: the top-level mappings first,
// then one contained element per item of the configured source array.
func buildFHIR(rule *Rule, event *cloudevents.Event, ft *funcTable) ([]byte, []FieldError) {
	out, errs := applyMappings([]byte("{}"), rule.Mappings, eventResolver(event), ft)

	if rule.ItemMappings == nil {
		return out, errs
	}

	arrayPath := strings.TrimPrefix(rule.ItemMappings.SourceArray, "$.")
	items := event.Field(arrayPath)
	if !items.IsArray() {
		return out, errs
	}

	for idx, item := range items.Array() {
		element := []byte("{}")
		var itemErrs []FieldError
		element, itemErrs = applyMappings(element, rule.ItemMappings.ItemMappings, itemResolver(item, idx), ft)
		errs = append(errs, itemErrs...)

		raw, err := sjson.SetRawBytes(out, "contained.-1", element)
		if err != nil {
			errs = append(errs, FieldError{
				Field:      "contained",
				Message:    err.Error(),
				Constraint: "target",
			})
			continue
		}
		out = raw
	}

	return out, errs
}

// itemResolver resolves item mapping sources: the "index" token yields the
// zero-based item position, $.path resolves relative to the item.
func itemResolver(item gjson.Result, idx int) resolver {
	return func(source string) (any, bool) {
		if source == "index" {
			return float64(idx), true
		}
		path, ok := strings.CutPrefix(source, "$.")
		if !ok {
			return nil, false
		}
		result := item.Get(normalizeItemPath(path))
		if !result.Exists() {
			return nil, false
		}
		return result.Value(), true
	}
}

func normalizeItemPath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			b.WriteByte('.')
		case ']':
		default:
			b.WriteByte(path[i])
		}
	}
	return b.String()
}
