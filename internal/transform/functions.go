package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// transformFunc applies one named transformation to a value.
type transformFunc func(value any) (any, error)

// builtins is the static registry of transform functions keyed by name.
// Parameterized names (addPrefix:X, addSuffix:X) are resolved at call
// time. Unknown names pass the value through unchanged.
var builtins = map[string]transformFunc{
	"trim": func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return v, nil
	},
	"toLowerCase": func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return strings.ToLower(s), nil
		}
		return v, nil
	},
	"toUpperCase": func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return strings.ToUpper(s), nil
		}
		return v, nil
	},
	"toTitleCase": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
		return strings.Join(words, " "), nil
	},
	"toNumber": func(v any) (any, error) {
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("toNumber: %q is not numeric", n.String())
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("toNumber: %q is not numeric", n)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("toNumber: value of type %T is not numeric", v)
		}
	},
	"formatDateISO8601": func(v any) (any, error) {
		t, ok := parseTime(v)
		if !ok {
			return v, nil
		}
		return t.UTC().Format(time.RFC3339), nil
	},
	"formatDateHL7": func(v any) (any, error) {
		t, ok := parseTime(v)
		if !ok {
			return v, nil
		}
		return t.UTC().Format("20060102150405"), nil
	},
	"incrementIndex": func(v any) (any, error) {
		switch n := v.(type) {
		case float64:
			return n + 1, nil
		case int:
			return n + 1, nil
		case int64:
			return n + 1, nil
		default:
			return v, nil
		}
	},
	"escapeHL7": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return hl7Escaper.Replace(s), nil
	},
}

// hl7Escaper applies the standard HL7 escape sequences. The escape
// character itself must be replaced first.
var hl7Escaper = strings.NewReplacer(
	`\`, `\E\`,
	`|`, `\F\`,
	`^`, `\S\`,
	`~`, `\R\`,
	`&`, `\T\`,
)

// timeFormats are accepted input layouts for the date transforms.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102150405",
	"20060102",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeFormats {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		// Unix seconds.
		return time.Unix(int64(t), 0), true
	}
	return time.Time{}, false
}

// funcTable resolves transform names for one rule: built-ins plus the
// rule-local transformFunctions (object values are lookup tables, array
// values are pipelines of other names).
type funcTable struct {
	lookups   map[string]map[string]any
	pipelines map[string][]string
}

// newFuncTable parses the rule-local transformFunctions block.
func newFuncTable(raw map[string]json.RawMessage) (*funcTable, error) {
	ft := &funcTable{
		lookups:   make(map[string]map[string]any),
		pipelines: make(map[string][]string),
	}
	for name, body := range raw {
		trimmed := strings.TrimSpace(string(body))
		switch {
		case strings.HasPrefix(trimmed, "{"):
			var table map[string]any
			if err := json.Unmarshal(body, &table); err != nil {
				return nil, fmt.Errorf("transform function %s: %w", name, err)
			}
			ft.lookups[name] = table
		case strings.HasPrefix(trimmed, "["):
			var pipeline []string
			if err := json.Unmarshal(body, &pipeline); err != nil {
				return nil, fmt.Errorf("transform function %s: %w", name, err)
			}
			ft.pipelines[name] = pipeline
		default:
			return nil, fmt.Errorf("transform function %s: must be an object or array", name)
		}
	}
	return ft, nil
}

// Apply runs one named transform against the value.
func (ft *funcTable) Apply(name string, value any) (any, error) {
	// Parameterized built-ins.
	if arg, ok := strings.CutPrefix(name, "addPrefix:"); ok {
		return arg + toString(value), nil
	}
	if arg, ok := strings.CutPrefix(name, "addSuffix:"); ok {
		return toString(value) + arg, nil
	}

	if fn, ok := builtins[name]; ok {
		return fn(value)
	}

	if ft != nil {
		if table, ok := ft.lookups[name]; ok {
			if mapped, ok := table[toString(value)]; ok {
				return mapped, nil
			}
			return value, nil
		}
		if pipeline, ok := ft.pipelines[name]; ok {
			var err error
			for _, step := range pipeline {
				value, err = ft.Apply(step, value)
				if err != nil {
					return nil, err
				}
			}
			return value, nil
		}
	}

	// Unknown transform names pass the value through.
	return value, nil
}

// ApplyChain runs an ordered list of transforms.
func (ft *funcTable) ApplyChain(names []string, value any) (any, error) {
	var err error
	for _, name := range names {
		value, err = ft.Apply(name, value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
