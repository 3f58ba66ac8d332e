package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"

	"github.com/smile-health/interop/internal/cloudevents"
)

// Operator is a content-condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpRegex       Operator = "regex"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true,
	OpGreaterThan: true, OpLessThan: true, OpRegex: true,
}

// ConditionEnv is the evaluation environment for expression conditions.
type ConditionEnv struct {
	Type    string         `expr:"type"`
	Source  string         `expr:"source"`
	Subject string         `expr:"subject"`
	Data    map[string]any `expr:"data"`
}

// compiledCondition evaluates either a structured field/operator/value
// predicate or a compiled expression.
type compiledCondition struct {
	field    string
	operator Operator
	value    any
	regex    *regexp.Regexp // pre-compiled for the regex operator
	program  *vm.Program    // expression form
}

// compileCondition validates and compiles a condition config.
func compileCondition(cfg *ConditionConfig) (*compiledCondition, error) {
	if cfg.Expression != "" {
		program, err := expr.Compile(cfg.Expression, expr.Env(ConditionEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression: %w", err)
		}
		return &compiledCondition{program: program}, nil
	}

	if !validOperators[cfg.Operator] {
		return nil, fmt.Errorf("invalid operator %q", cfg.Operator)
	}
	if cfg.Field == "" {
		return nil, fmt.Errorf("condition field is required")
	}

	cc := &compiledCondition{
		field:    cfg.Field,
		operator: cfg.Operator,
		value:    cfg.Value,
	}
	if cfg.Operator == OpRegex {
		pattern, ok := cfg.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex operator requires a string value")
		}
		re, err := regexp.Compile("^" + pattern + "$")
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		cc.regex = re
	}
	return cc, nil
}

// Evaluate runs the condition against the event. Missing fields make the
// predicate false; evaluation never errors at match time.
func (cc *compiledCondition) Evaluate(event *cloudevents.Event) bool {
	if cc.program != nil {
		return cc.evaluateExpression(event)
	}

	field := event.Field(cc.field)
	if !field.Exists() {
		return false
	}

	switch cc.operator {
	case OpEquals:
		return strictEquals(field, cc.value)
	case OpNotEquals:
		return !strictEquals(field, cc.value)
	case OpGreaterThan:
		fv, cv, ok := numericOperands(field, cc.value)
		return ok && fv > cv
	case OpLessThan:
		fv, cv, ok := numericOperands(field, cc.value)
		return ok && fv < cv
	case OpContains:
		return contains(field, cc.value)
	case OpRegex:
		if field.Type != gjson.String {
			return false
		}
		return cc.regex.MatchString(field.String())
	}
	return false
}

func (cc *compiledCondition) evaluateExpression(event *cloudevents.Event) bool {
	env := ConditionEnv{
		Type:    event.Type,
		Source:  event.Source,
		Subject: event.Subject,
	}
	if data := event.Field("data"); data.IsObject() {
		env.Data, _ = data.Value().(map[string]any)
	}
	out, err := expr.Run(cc.program, env)
	if err != nil {
		return false
	}
	result, _ := out.(bool)
	return result
}

// strictEquals compares without type coercion: numbers to numbers, strings
// to strings, booleans to booleans.
func strictEquals(field gjson.Result, value any) bool {
	switch v := value.(type) {
	case string:
		return field.Type == gjson.String && field.String() == v
	case bool:
		return field.IsBool() && field.Bool() == v
	case int:
		return field.Type == gjson.Number && field.Float() == float64(v)
	case int64:
		return field.Type == gjson.Number && field.Float() == float64(v)
	case uint64:
		return field.Type == gjson.Number && field.Float() == float64(v)
	case float64:
		return field.Type == gjson.Number && field.Float() == v
	case nil:
		return field.Type == gjson.Null
	default:
		return false
	}
}

// numericOperands extracts both sides as numbers; non-numeric operands
// disqualify the comparison.
func numericOperands(field gjson.Result, value any) (float64, float64, bool) {
	if field.Type != gjson.Number {
		return 0, 0, false
	}
	switch v := value.(type) {
	case int:
		return field.Float(), float64(v), true
	case int64:
		return field.Float(), float64(v), true
	case uint64:
		return field.Float(), float64(v), true
	case float64:
		return field.Float(), v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, 0, false
		}
		return field.Float(), f, true
	default:
		return 0, 0, false
	}
}

// contains implements substring match for strings and element membership
// for arrays; anything else is false.
func contains(field gjson.Result, value any) bool {
	switch {
	case field.Type == gjson.String:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(field.String(), s)
	case field.IsArray():
		for _, elem := range field.Array() {
			if strictEquals(elem, value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
