package transform

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
)

// schemaCache compiles output schemas on first use and reuses them per
// path. Compilation failures are not cached.
type schemaCache struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(path string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	schema, ok := c.schemas[path]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(path, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err = compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.mu.Lock()
	c.schemas[path] = schema
	c.mu.Unlock()
	return schema, nil
}

// validatePayload validates the JSON payload against the compiled schema
// and flattens every violation into field errors.
func validatePayload(schema *jsonschema.Schema, payload []byte) ([]FieldError, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil, nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}

	var errs []FieldError
	collectViolations(verr, payload, &errs)
	return errs, nil
}

// collectViolations walks the validation error tree and records the leaf
// causes, which carry the specific violated keywords.
func collectViolations(verr *jsonschema.ValidationError, payload []byte, out *[]FieldError) {
	if len(verr.Causes) == 0 {
		fe := FieldError{
			Field:      instancePath(verr.InstanceLocation),
			Message:    verr.Error(),
			Constraint: constraintKeyword(verr),
		}
		if loc := strings.Join(verr.InstanceLocation, "."); loc != "" {
			if v := gjson.GetBytes(payload, loc); v.Exists() {
				fe.Value = v.Value()
			}
		}
		*out = append(*out, fe)
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, payload, out)
	}
}

func instancePath(location []string) string {
	if len(location) == 0 {
		return "$"
	}
	return "$." + strings.Join(location, ".")
}

func constraintKeyword(verr *jsonschema.ValidationError) string {
	if verr.ErrorKind == nil {
		return ""
	}
	path := verr.ErrorKind.KeywordPath()
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}
