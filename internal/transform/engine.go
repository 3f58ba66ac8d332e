package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/logging"
)

// DefaultCacheTTL is how long loaded rules are reused before the rules
// directory is re-read.
const DefaultCacheTTL = 300 * time.Second

// loadedRule pairs a parsed rule with its compiled transform functions.
type loadedRule struct {
	rule  *Rule
	funcs *funcTable
	path  string
}

// Options select the rule and control validation failure behavior.
type Options struct {
	// RuleName forces a specific rule; empty selects by event type.
	RuleName string
	// ContinueOnError downgrades schema violations to warnings.
	ContinueOnError bool
}

// Metadata describes one transformation run.
type Metadata struct {
	EventID          string       `json:"eventId"`
	EventType        string       `json:"eventType"`
	Rule             string       `json:"rule"`
	TargetFormat     TargetFormat `json:"targetFormat"`
	TransformedAt    time.Time    `json:"transformedAt"`
	Validated        bool         `json:"validated"`
	ValidationPassed bool         `json:"validationPassed"`
}

// Result is the outcome of applying a rule to an event. Data is a
// json.RawMessage for JSON output formats and a string for hl7-delimited.
type Result struct {
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []FieldError `json:"warnings,omitempty"`
	Metadata Metadata     `json:"metadata"`
}

// Engine loads transformation rules from a directory and applies them to
// events. Rules are cached and re-read when the TTL elapses; output
// schemas are compiled once per path.
type Engine struct {
	rulesDir string
	ttl      time.Duration
	schemas  *schemaCache

	mu       sync.RWMutex
	rules    []*loadedRule
	byName   map[string]*loadedRule
	loadedAt time.Time
}

// NewEngine creates an engine over the rules directory and performs the
// initial load. ttl <= 0 uses DefaultCacheTTL.
func NewEngine(rulesDir string, ttl time.Duration) (*Engine, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	e := &Engine{
		rulesDir: rulesDir,
		ttl:      ttl,
		schemas:  newSchemaCache(),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the rules directory immediately, bypassing the TTL.
func (e *Engine) Reload() error {
	rules, byName, err := loadRules(e.rulesDir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = rules
	e.byName = byName
	e.loadedAt = time.Now()
	e.mu.Unlock()

	logging.Info("transformation rules loaded",
		zap.String("dir", e.rulesDir),
		zap.Int("rules", len(rules)),
	)
	return nil
}

// loadRules reads every *.json rule file in the directory and its custom/
// subdirectory. File order is sorted per directory, base rules first, so
// event-type selection ties resolve deterministically.
func loadRules(dir string) ([]*loadedRule, map[string]*loadedRule, error) {
	var rules []*loadedRule
	byName := make(map[string]*loadedRule)

	for _, d := range []string{dir, filepath.Join(dir, "custom")} {
		entries, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) && d != dir {
				continue
			}
			return nil, nil, fmt.Errorf("failed to read rules directory %s: %w", d, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(d, name)
			lr, err := loadRuleFile(path)
			if err != nil {
				return nil, nil, err
			}
			if existing, ok := byName[lr.rule.Name]; ok {
				return nil, nil, fmt.Errorf("duplicate rule name %q in %s and %s", lr.rule.Name, existing.path, path)
			}
			rules = append(rules, lr)
			byName[lr.rule.Name] = lr
		}
	}

	return rules, byName, nil
}

func loadRuleFile(path string) (*loadedRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	funcs, err := newFuncTable(rule.TransformFunctions)
	if err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return &loadedRule{rule: &rule, funcs: funcs, path: path}, nil
}

// ensureFresh reloads the rules when the TTL window has elapsed. A failed
// refresh keeps the last good set.
func (e *Engine) ensureFresh() {
	e.mu.RLock()
	stale := time.Since(e.loadedAt) > e.ttl
	e.mu.RUnlock()
	if !stale {
		return
	}
	if err := e.Reload(); err != nil {
		logging.Error("transformation rule refresh failed", zap.Error(err))
	}
}

// RuleNames returns the loaded rule names in insertion order.
func (e *Engine) RuleNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for _, lr := range e.rules {
		names = append(names, lr.rule.Name)
	}
	return names
}

// HasRule reports whether a rule with the given name is loaded.
func (e *Engine) HasRule(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byName[name]
	return ok
}

// selectRule finds the rule for this run: by name when given (and it must
// be enabled), otherwise the first enabled rule matching the event type.
func (e *Engine) selectRule(name, eventType string) (*loadedRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if name != "" {
		lr, ok := e.byName[name]
		if !ok {
			return nil, fmt.Errorf("transformation rule %q not found", name)
		}
		if !lr.rule.Enabled {
			return nil, fmt.Errorf("transformation rule %q is disabled", name)
		}
		return lr, nil
	}

	for _, lr := range e.rules {
		if lr.rule.Enabled && lr.rule.EventType == eventType {
			return lr, nil
		}
	}
	return nil, fmt.Errorf("no enabled transformation rule for event type %q", eventType)
}

// Transform applies the selected rule to the event.
func (e *Engine) Transform(event *cloudevents.Event, opts Options) *Result {
	e.ensureFresh()

	res := &Result{
		Metadata: Metadata{
			EventID:       event.ID,
			EventType:     event.Type,
			TransformedAt: time.Now().UTC(),
		},
	}

	lr, err := e.selectRule(opts.RuleName, event.Type)
	if err != nil {
		res.Errors = append(res.Errors, FieldError{Field: "rule", Message: err.Error()})
		return res
	}
	res.Metadata.Rule = lr.rule.Name
	res.Metadata.TargetFormat = lr.rule.TargetFormat

	var (
		data    any
		payload []byte
		errs    []FieldError
	)
	switch lr.rule.TargetFormat {
	case FormatHL7v2:
		data, errs = buildHL7(lr.rule, event, lr.funcs)
		if raw, ok := data.([]byte); ok {
			payload = raw
			data = json.RawMessage(raw)
		}
	case FormatFHIRR4:
		payload, errs = buildFHIR(lr.rule, event, lr.funcs)
		data = json.RawMessage(payload)
	default:
		payload, errs = applyMappings([]byte("{}"), lr.rule.Mappings, eventResolver(event), lr.funcs)
		data = json.RawMessage(payload)
	}

	res.Data = data
	res.Errors = errs
	if len(errs) > 0 {
		return res
	}

	if lr.rule.OutputSchema != "" && payload != nil {
		passed, verrs := e.validateOutput(lr.rule, payload)
		res.Metadata.Validated = true
		res.Metadata.ValidationPassed = passed
		if !passed {
			if opts.ContinueOnError {
				res.Warnings = verrs
			} else {
				res.Errors = verrs
				return res
			}
		}
	}

	res.Success = true
	return res
}

func (e *Engine) validateOutput(rule *Rule, payload []byte) (bool, []FieldError) {
	schemaPath := rule.OutputSchema
	if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(e.rulesDir, schemaPath)
	}
	schema, err := e.schemas.compile(schemaPath)
	if err != nil {
		return false, []FieldError{{Field: "outputSchema", Message: err.Error()}}
	}
	verrs, err := validatePayload(schema, payload)
	if err != nil {
		return false, []FieldError{{Field: "outputSchema", Message: err.Error()}}
	}
	return len(verrs) == 0, verrs
}
