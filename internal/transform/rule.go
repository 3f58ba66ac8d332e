package transform

import (
	"encoding/json"
	"fmt"
)

// TargetFormat enumerates the supported output formats.
type TargetFormat string

const (
	FormatCustomJSON TargetFormat = "custom-json"
	FormatHL7v2      TargetFormat = "hl7-v2"
	FormatFHIRR4     TargetFormat = "fhir-r4"
)

var validFormats = map[TargetFormat]bool{
	FormatCustomJSON: true, FormatHL7v2: true, FormatFHIRR4: true,
}

// Rule is a declarative transformation program loaded from a JSON file.
type Rule struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	EventType    string       `json:"eventType"`
	TargetFormat TargetFormat `json:"targetFormat"`
	Enabled      bool         `json:"enabled"`
	Mappings     []Mapping    `json:"mappings"`

	// TransformFunctions declares rule-local transforms: an object value is
	// a lookup table, an array value is a pipeline of built-in names.
	TransformFunctions map[string]json.RawMessage `json:"transformFunctions,omitempty"`

	// ItemMappings emits a contained array for fhir-r4 rules.
	ItemMappings *ItemMappings `json:"itemMappings,omitempty"`

	// Segments define hl7-v2 output.
	Segments   []Segment  `json:"segments,omitempty"`
	OutputType string     `json:"outputType,omitempty"` // "hl7-delimited" for pipe output
	Delimiters Delimiters `json:"delimiters,omitempty"`

	// OutputSchema is a path to a JSON Schema the output must satisfy.
	OutputSchema string `json:"outputSchema,omitempty"`
}

// Mapping moves one value from the event into the output payload.
type Mapping struct {
	// Source is a $.path expression, the special token "index" inside item
	// mappings, or the literal "constant" paired with Value.
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	// Value is a literal used instead of a source path.
	Value any `json:"value,omitempty"`
	// Transform names a single function; Transforms an ordered list.
	Transform    string   `json:"transform,omitempty"`
	Transforms   []string `json:"transforms,omitempty"`
	DefaultValue any      `json:"defaultValue,omitempty"`
	Required     bool     `json:"required,omitempty"`
}

// transformChain returns the ordered transform names.
func (m *Mapping) transformChain() []string {
	if len(m.Transforms) > 0 {
		return m.Transforms
	}
	if m.Transform != "" {
		return []string{m.Transform}
	}
	return nil
}

// ItemMappings iterates a source array and maps each item into an element
// of the output resource's contained array.
type ItemMappings struct {
	SourceArray  string    `json:"sourceArray"`
	ItemMappings []Mapping `json:"itemMappings"`
}

// Segment declares one HL7 v2 segment.
type Segment struct {
	Segment string `json:"segment"`
	// Condition is an expression of the form "$.path op 'literal'".
	Condition string `json:"condition,omitempty"`
	// Repeatable segments emit once per element of ItemSource.
	Repeatable bool         `json:"repeatable,omitempty"`
	ItemSource string       `json:"itemSource,omitempty"`
	Fields     []FieldValue `json:"fields"`
}

// FieldValue assigns one HL7 field, keyed like "PID-5".
type FieldValue struct {
	Field        string   `json:"field"`
	Source       string   `json:"source,omitempty"`
	Value        any      `json:"value,omitempty"`
	Transform    string   `json:"transform,omitempty"`
	Transforms   []string `json:"transforms,omitempty"`
	DefaultValue any      `json:"defaultValue,omitempty"`
}

func (f *FieldValue) transformChain() []string {
	if len(f.Transforms) > 0 {
		return f.Transforms
	}
	if f.Transform != "" {
		return []string{f.Transform}
	}
	return nil
}

// Delimiters carry the HL7 encoding characters for delimited output.
type Delimiters struct {
	Field        string `json:"field,omitempty"`        // default "|"
	Component    string `json:"component,omitempty"`    // default "^"
	Repetition   string `json:"repetition,omitempty"`   // default "~"
	Escape       string `json:"escape,omitempty"`       // default "\\"
	Subcomponent string `json:"subcomponent,omitempty"` // default "&"
}

func (d Delimiters) withDefaults() Delimiters {
	if d.Field == "" {
		d.Field = "|"
	}
	if d.Component == "" {
		d.Component = "^"
	}
	if d.Repetition == "" {
		d.Repetition = "~"
	}
	if d.Escape == "" {
		d.Escape = "\\"
	}
	if d.Subcomponent == "" {
		d.Subcomponent = "&"
	}
	return d
}

// Validate checks structural requirements of a rule at load time.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("transform: rule name is required")
	}
	if r.EventType == "" {
		return fmt.Errorf("transform: rule %s: eventType is required", r.Name)
	}
	if !validFormats[r.TargetFormat] {
		return fmt.Errorf("transform: rule %s: invalid targetFormat %q", r.Name, r.TargetFormat)
	}
	if r.TargetFormat == FormatHL7v2 {
		if len(r.Segments) == 0 {
			return fmt.Errorf("transform: rule %s: hl7-v2 rules require segments", r.Name)
		}
		for i, seg := range r.Segments {
			if seg.Segment == "" {
				return fmt.Errorf("transform: rule %s: segment %d: segment name is required", r.Name, i)
			}
			if seg.Repeatable && seg.ItemSource == "" {
				return fmt.Errorf("transform: rule %s: segment %s: repeatable requires itemSource", r.Name, seg.Segment)
			}
			for _, f := range seg.Fields {
				if f.Field == "" {
					return fmt.Errorf("transform: rule %s: segment %s: field key is required", r.Name, seg.Segment)
				}
			}
		}
	} else if len(r.Mappings) == 0 {
		return fmt.Errorf("transform: rule %s: mappings must not be empty", r.Name)
	}
	for i, m := range r.Mappings {
		if m.Target == "" {
			return fmt.Errorf("transform: rule %s: mapping %d: target is required", r.Name, i)
		}
	}
	if r.ItemMappings != nil {
		if r.ItemMappings.SourceArray == "" {
			return fmt.Errorf("transform: rule %s: itemMappings.sourceArray is required", r.Name)
		}
		if len(r.ItemMappings.ItemMappings) == 0 {
			return fmt.Errorf("transform: rule %s: itemMappings.itemMappings must not be empty", r.Name)
		}
	}
	return nil
}
