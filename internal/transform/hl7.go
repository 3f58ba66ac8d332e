package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/smile-health/interop/internal/cloudevents"
)

// hl7Segment is one constructed segment instance: its name and the field
// values keyed like "PID-5".
type hl7Segment struct {
	Segment string            `json:"segment"`
	Fields  map[string]string `json:"fields"`
}

// buildHL7 constructs the rule's segments in order and either serializes
// them to a pipe-delimited string (outputType hl7-delimited) or returns a
// JSON document describing the segments.
func buildHL7(rule *Rule, event *cloudevents.Event, ft *funcTable) (any, []FieldError) {
	var (
		segments []hl7Segment
		errs     []FieldError
	)

	for i := range rule.Segments {
		seg := &rule.Segments[i]

		if seg.Condition != "" {
			ok, err := evalSegmentCondition(seg.Condition, event)
			if err != nil {
				errs = append(errs, FieldError{
					Field:      seg.Segment,
					Message:    err.Error(),
					Constraint: "condition",
				})
				continue
			}
			if !ok {
				continue
			}
		}

		if seg.Repeatable {
			items := event.Field(strings.TrimPrefix(seg.ItemSource, "$."))
			if !items.IsArray() {
				continue
			}
			for idx, item := range items.Array() {
				built, segErrs := buildSegment(seg, itemResolver(item, idx), ft)
				segments = append(segments, built)
				errs = append(errs, segErrs...)
			}
			continue
		}

		built, segErrs := buildSegment(seg, eventResolver(event), ft)
		segments = append(segments, built)
		errs = append(errs, segErrs...)
	}

	if rule.OutputType == "hl7-delimited" {
		return serializeHL7(segments, rule.Delimiters.withDefaults()), errs
	}

	doc, err := json.Marshal(map[string]any{"segments": segments})
	if err != nil {
		errs = append(errs, FieldError{Field: "segments", Message: err.Error()})
		return []byte("{}"), errs
	}
	return doc, errs
}

// buildSegment resolves every declared field of one segment instance.
func buildSegment(seg *Segment, resolve resolver, ft *funcTable) (hl7Segment, []FieldError) {
	out := hl7Segment{
		Segment: seg.Segment,
		Fields:  make(map[string]string, len(seg.Fields)),
	}
	var errs []FieldError

	for i := range seg.Fields {
		f := &seg.Fields[i]

		var (
			value   any
			defined bool
		)
		if f.Value != nil {
			value, defined = f.Value, true
		} else if f.Source != "" {
			value, defined = resolve(f.Source)
		}

		if defined {
			transformed, err := ft.ApplyChain(f.transformChain(), value)
			if err != nil {
				errs = append(errs, FieldError{
					Field:      f.Field,
					Message:    err.Error(),
					Value:      value,
					Constraint: "transform",
				})
				continue
			}
			value = transformed
			defined = value != nil
		}

		if !defined && f.DefaultValue != nil {
			value, defined = f.DefaultValue, true
		}
		if !defined {
			continue
		}

		out.Fields[f.Field] = toString(value)
	}

	return out, errs
}

// evalSegmentCondition evaluates a "$.path op 'literal'" expression against
// the event. Supported operators: ==, !=, equals, notEquals, exists.
func evalSegmentCondition(expr string, event *cloudevents.Event) (bool, error) {
	parts := strings.Fields(expr)
	if len(parts) < 2 {
		return false, fmt.Errorf("invalid condition %q", expr)
	}

	path, ok := strings.CutPrefix(parts[0], "$.")
	if !ok {
		return false, fmt.Errorf("condition %q: left side must be a $.path", expr)
	}
	field := event.Field(path)

	op := parts[1]
	if op == "exists" {
		return field.Exists(), nil
	}
	if len(parts) < 3 {
		return false, fmt.Errorf("condition %q: operator %s requires a literal", expr, op)
	}
	literal := strings.Trim(strings.Join(parts[2:], " "), `'"`)

	switch op {
	case "==", "equals":
		return field.Exists() && field.String() == literal, nil
	case "!=", "notEquals":
		return !field.Exists() || field.String() != literal, nil
	default:
		return false, fmt.Errorf("condition %q: unsupported operator %s", expr, op)
	}
}

// serializeHL7 renders segments as a pipe-delimited message. Segments are
// joined with \r. MSH-1 and MSH-2 are positional: the field delimiter and
// the encoding characters, regardless of configured field values.
func serializeHL7(segments []hl7Segment, d Delimiters) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\r")
		}
		b.WriteString(serializeSegment(seg, d))
	}
	return b.String()
}

func serializeSegment(seg hl7Segment, d Delimiters) string {
	max := 0
	values := make(map[int]string, len(seg.Fields))
	for key, val := range seg.Fields {
		idx, ok := fieldIndex(key)
		if !ok {
			continue
		}
		values[idx] = val
		if idx > max {
			max = idx
		}
	}

	var b strings.Builder
	b.WriteString(seg.Segment)

	start := 1
	if seg.Segment == "MSH" {
		b.WriteString(d.Field)
		b.WriteString(d.Component + d.Repetition + d.Escape + d.Subcomponent)
		start = 3
		if max < 2 {
			return b.String()
		}
	}

	for i := start; i <= max; i++ {
		b.WriteString(d.Field)
		b.WriteString(values[i])
	}
	return b.String()
}

// fieldIndex extracts the numeric position from a field key like "PID-5".
func fieldIndex(key string) (int, bool) {
	dash := strings.LastIndexByte(key, '-')
	if dash < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(key[dash+1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
