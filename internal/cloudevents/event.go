package cloudevents

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// SpecVersion is the only CloudEvents spec version this pipeline accepts.
const SpecVersion = "1.0"

// Event is a CloudEvents 1.0 envelope in JSON structured mode. An Event is
// immutable once parsed; routing and transformation produce derived payloads
// and never write back into the event.
type Event struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            string          `json:"time,omitempty"`
	Subject         string          `json:"subject,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`

	// Extensions holds non-standard top-level attributes such as
	// correlationid.
	Extensions map[string]string `json:"-"`

	raw []byte
}

// Parse decodes a JSON-encoded CloudEvent. The raw bytes are retained for
// path-based field access.
func Parse(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("cloudevents: payload is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("cloudevents: payload is not a JSON object")
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cloudevents: decode failed: %w", err)
	}
	e.raw = data

	// Collect extension attributes: any unknown top-level string value.
	known := map[string]bool{
		"specversion": true, "type": true, "source": true, "id": true,
		"time": true, "subject": true, "datacontenttype": true, "data": true,
	}
	root.ForEach(func(key, value gjson.Result) bool {
		if !known[key.String()] && value.Type == gjson.String {
			if e.Extensions == nil {
				e.Extensions = make(map[string]string)
			}
			e.Extensions[key.String()] = value.String()
		}
		return true
	})

	return &e, nil
}

// Validate checks the required CloudEvents attributes.
func (e *Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("cloudevents: missing required attribute specversion")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("cloudevents: unsupported specversion %q", e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("cloudevents: missing required attribute type")
	}
	if e.Source == "" {
		return fmt.Errorf("cloudevents: missing required attribute source")
	}
	if e.ID == "" {
		return fmt.Errorf("cloudevents: missing required attribute id")
	}
	return nil
}

// Extension returns the named extension attribute, or "" when absent.
func (e *Event) Extension(name string) string {
	return e.Extensions[name]
}

// Field resolves a dot-notated path (with bracketed array indices) against
// the whole event object, e.g. "data.patient.id" or "data.items[0].code".
// Missing intermediate nodes yield a non-existent result.
func (e *Event) Field(path string) gjson.Result {
	return gjson.GetBytes(e.raw, normalizePath(path))
}

// Raw returns the original encoded event.
func (e *Event) Raw() []byte {
	if e.raw != nil {
		return e.raw
	}
	b, _ := json.Marshal(e)
	return b
}

// normalizePath converts bracketed array indices ("items[0].id") into
// gjson's dotted form ("items.0.id").
func normalizePath(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			out = append(out, '.')
		case ']':
			// skip; a following '.' is already in the source path
		default:
			out = append(out, path[i])
		}
	}
	return string(out)
}
