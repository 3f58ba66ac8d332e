package router

import (
	"testing"

	"github.com/smile-health/interop/internal/cloudevents"
)

func mustEvent(t *testing.T, body string) *cloudevents.Event {
	t.Helper()
	event, err := cloudevents.Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return event
}

func testEvent(t *testing.T) *cloudevents.Event {
	return mustEvent(t, `{
		"specversion": "1.0",
		"type": "orders.lab.created",
		"source": "smile.orders-service",
		"id": "evt-9",
		"subject": "order/77",
		"data": {
			"priority": "urgent",
			"amount": 150,
			"total": "not-a-number",
			"tags": ["stat", "lab"],
			"code": "LAB-0042",
			"flag": true
		}
	}`)
}

func evalCondition(t *testing.T, cfg *ConditionConfig, event *cloudevents.Event) bool {
	t.Helper()
	cc, err := compileCondition(cfg)
	if err != nil {
		t.Fatalf("compileCondition() error: %v", err)
	}
	return cc.Evaluate(event)
}

func TestConditionOperators(t *testing.T) {
	event := testEvent(t)

	cases := []struct {
		name string
		cfg  ConditionConfig
		want bool
	}{
		{"equals match", ConditionConfig{Field: "data.priority", Operator: OpEquals, Value: "urgent"}, true},
		{"equals mismatch", ConditionConfig{Field: "data.priority", Operator: OpEquals, Value: "routine"}, false},
		{"equals no coercion", ConditionConfig{Field: "data.amount", Operator: OpEquals, Value: "150"}, false},
		{"equals number", ConditionConfig{Field: "data.amount", Operator: OpEquals, Value: 150}, true},
		{"equals bool", ConditionConfig{Field: "data.flag", Operator: OpEquals, Value: true}, true},
		{"notEquals", ConditionConfig{Field: "data.priority", Operator: OpNotEquals, Value: "routine"}, true},
		{"greaterThan true", ConditionConfig{Field: "data.amount", Operator: OpGreaterThan, Value: 100}, true},
		{"greaterThan false", ConditionConfig{Field: "data.amount", Operator: OpGreaterThan, Value: 200}, false},
		{"greaterThan non-numeric field", ConditionConfig{Field: "data.total", Operator: OpGreaterThan, Value: 1}, false},
		{"lessThan", ConditionConfig{Field: "data.amount", Operator: OpLessThan, Value: 200}, true},
		{"contains substring", ConditionConfig{Field: "data.code", Operator: OpContains, Value: "0042"}, true},
		{"contains membership", ConditionConfig{Field: "data.tags", Operator: OpContains, Value: "stat"}, true},
		{"contains membership miss", ConditionConfig{Field: "data.tags", Operator: OpContains, Value: "routine"}, false},
		{"regex match", ConditionConfig{Field: "data.code", Operator: OpRegex, Value: `LAB-\d+`}, true},
		{"regex anchored", ConditionConfig{Field: "data.code", Operator: OpRegex, Value: `\d+`}, false},
		{"regex non-string field", ConditionConfig{Field: "data.amount", Operator: OpRegex, Value: `\d+`}, false},
		{"missing field", ConditionConfig{Field: "data.nope", Operator: OpEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evalCondition(t, &tc.cfg, event); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  ConditionConfig
	}{
		{"unknown operator", ConditionConfig{Field: "data.x", Operator: "startsWith", Value: "a"}},
		{"missing field", ConditionConfig{Operator: OpEquals, Value: "a"}},
		{"bad regex", ConditionConfig{Field: "data.x", Operator: OpRegex, Value: "("}},
		{"regex non-string value", ConditionConfig{Field: "data.x", Operator: OpRegex, Value: 7}},
		{"bad expression", ConditionConfig{Expression: "type +"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := compileCondition(&tc.cfg); err == nil {
				t.Error("compileCondition() succeeded, want error")
			}
		})
	}
}

func TestConditionExpression(t *testing.T) {
	event := testEvent(t)

	cases := []struct {
		expr string
		want bool
	}{
		{`type == "orders.lab.created"`, true},
		{`source == "smile.health-service"`, false},
		{`data.priority == "urgent" && data.amount > 100`, true},
		{`data.amount > 1000`, false},
	}
	for _, tc := range cases {
		cfg := ConditionConfig{Expression: tc.expr}
		if got := evalCondition(t, &cfg, event); got != tc.want {
			t.Errorf("expression %q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}
