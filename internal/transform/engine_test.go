package transform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/smile-health/interop/internal/cloudevents"
)

const patientEvent = `{
	"specversion": "1.0",
	"type": "health.patient.registered",
	"source": "smile.health-service",
	"id": "evt-100",
	"data": {
		"patientId": "P-9",
		"name": {"given": "grace", "family": "hopper"},
		"gender": "female",
		"birthDate": "1906-12-09",
		"allergies": [
			{"code": "ALG-1", "display": "Penicillin"},
			{"code": "ALG-2", "display": "Latex"}
		]
	}
}`

func parseEvent(t *testing.T, body string) *cloudevents.Event {
	t.Helper()
	event, err := cloudevents.Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return event
}

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const customJSONRule = `{
	"name": "patient-to-custom",
	"eventType": "health.patient.registered",
	"targetFormat": "custom-json",
	"enabled": true,
	"transformFunctions": {
		"genderCode": {"male": "M", "female": "F"}
	},
	"mappings": [
		{"source": "$.data.patientId", "target": "patient.id", "required": true},
		{"source": "$.data.name.given", "target": "patient.firstName", "transform": "toTitleCase"},
		{"source": "$.data.name.family", "target": "patient.lastName", "transforms": ["trim", "toTitleCase"]},
		{"source": "$.data.gender", "target": "patient.gender", "transform": "genderCode"},
		{"source": "$.data.missing", "target": "patient.status", "defaultValue": "active"},
		{"value": "smile-interop", "target": "meta.producer"},
		{"source": "$.data.allergies[0].code", "target": "patient.primaryAllergy"}
	]
}`

func newTestEngine(t *testing.T, rules map[string]string) *Engine {
	t.Helper()
	dir := t.TempDir()
	for name, body := range rules {
		writeRule(t, dir, name, body)
	}
	engine, err := NewEngine(dir, 0)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return engine
}

func TestCustomJSONTransform(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"patient.json": customJSONRule})
	event := parseEvent(t, patientEvent)

	res := engine.Transform(event, Options{})
	if !res.Success {
		t.Fatalf("Transform() failed: %+v", res.Errors)
	}

	out, ok := res.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("Data is %T, want json.RawMessage", res.Data)
	}

	cases := []struct {
		path string
		want string
	}{
		{"patient.id", "P-9"},
		{"patient.firstName", "Grace"},
		{"patient.lastName", "Hopper"},
		{"patient.gender", "F"},
		{"patient.status", "active"},
		{"meta.producer", "smile-interop"},
		{"patient.primaryAllergy", "ALG-1"},
	}
	for _, tc := range cases {
		if got := gjson.GetBytes(out, tc.path).String(); got != tc.want {
			t.Errorf("output %s = %q, want %q", tc.path, got, tc.want)
		}
	}

	if res.Metadata.Rule != "patient-to-custom" {
		t.Errorf("Metadata.Rule = %q", res.Metadata.Rule)
	}
	if res.Metadata.EventID != "evt-100" {
		t.Errorf("Metadata.EventID = %q", res.Metadata.EventID)
	}
}

func TestRequiredFieldError(t *testing.T) {
	rule := `{
		"name": "needs-mrn",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"source": "$.data.mrn", "target": "patient.mrn", "required": true}
		]
	}`
	engine := newTestEngine(t, map[string]string{"r.json": rule})

	res := engine.Transform(parseEvent(t, patientEvent), Options{})
	if res.Success {
		t.Fatal("Transform() succeeded with missing required field")
	}
	if len(res.Errors) != 1 || res.Errors[0].Field != "patient.mrn" {
		t.Errorf("Errors = %+v, want one error naming patient.mrn", res.Errors)
	}
}

func TestToNumberMappingFailure(t *testing.T) {
	rule := `{
		"name": "bad-number",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"source": "$.data.gender", "target": "out.n", "transform": "toNumber"},
			{"source": "$.data.patientId", "target": "out.id"}
		]
	}`
	engine := newTestEngine(t, map[string]string{"r.json": rule})

	res := engine.Transform(parseEvent(t, patientEvent), Options{})
	if res.Success {
		t.Fatal("Transform() succeeded, want mapping error")
	}
	if len(res.Errors) != 1 || res.Errors[0].Field != "out.n" {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	// Later mappings still run.
	out, _ := res.Data.(json.RawMessage)
	if got := gjson.GetBytes(out, "out.id").String(); got != "P-9" {
		t.Errorf("out.id = %q, want P-9", got)
	}
}

func TestTargetArrayIndexing(t *testing.T) {
	rule := `{
		"name": "coding",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"value": "http://loinc.org", "target": "code.coding[0].system"},
			{"value": "8310-5", "target": "code.coding[0].code"}
		]
	}`
	engine := newTestEngine(t, map[string]string{"r.json": rule})

	res := engine.Transform(parseEvent(t, patientEvent), Options{})
	if !res.Success {
		t.Fatalf("Transform() failed: %+v", res.Errors)
	}
	out, _ := res.Data.(json.RawMessage)
	if got := gjson.GetBytes(out, "code.coding.0.system").String(); got != "http://loinc.org" {
		t.Errorf("code.coding[0].system = %q", got)
	}
	if got := gjson.GetBytes(out, "code.coding.0.code").String(); got != "8310-5" {
		t.Errorf("code.coding[0].code = %q", got)
	}
}

func TestFHIRContainedArray(t *testing.T) {
	rule := `{
		"name": "patient-to-fhir",
		"eventType": "health.patient.registered",
		"targetFormat": "fhir-r4",
		"enabled": true,
		"mappings": [
			{"value": "Patient", "target": "resourceType"},
			{"source": "$.data.patientId", "target": "id"}
		],
		"itemMappings": {
			"sourceArray": "$.data.allergies",
			"itemMappings": [
				{"value": "AllergyIntolerance", "target": "resourceType"},
				{"source": "index", "target": "position"},
				{"source": "$.code", "target": "code.coding[0].code"},
				{"source": "$.display", "target": "code.text"}
			]
		}
	}`
	engine := newTestEngine(t, map[string]string{"r.json": rule})

	res := engine.Transform(parseEvent(t, patientEvent), Options{})
	if !res.Success {
		t.Fatalf("Transform() failed: %+v", res.Errors)
	}
	out, _ := res.Data.(json.RawMessage)

	if got := gjson.GetBytes(out, "resourceType").String(); got != "Patient" {
		t.Errorf("resourceType = %q", got)
	}
	contained := gjson.GetBytes(out, "contained")
	if !contained.IsArray() || len(contained.Array()) != 2 {
		t.Fatalf("contained = %s, want 2 elements", contained.Raw)
	}
	if got := gjson.GetBytes(out, "contained.0.code.coding.0.code").String(); got != "ALG-1" {
		t.Errorf("contained[0] code = %q", got)
	}
	if got := gjson.GetBytes(out, "contained.1.position").Int(); got != 1 {
		t.Errorf("contained[1].position = %d, want 1", got)
	}
	if got := gjson.GetBytes(out, "contained.1.code.text").String(); got != "Latex" {
		t.Errorf("contained[1].code.text = %q", got)
	}
}

func TestRuleSelection(t *testing.T) {
	otherRule := strings.Replace(customJSONRule, `"patient-to-custom"`, `"second-rule"`, 1)
	engine := newTestEngine(t, map[string]string{
		"a.json": customJSONRule,
		"b.json": otherRule,
	})
	event := parseEvent(t, patientEvent)

	// Unnamed selection: first enabled rule in insertion (file) order.
	res := engine.Transform(event, Options{})
	if res.Metadata.Rule != "patient-to-custom" {
		t.Errorf("selected %q, want patient-to-custom (file order)", res.Metadata.Rule)
	}

	// Named selection.
	res = engine.Transform(event, Options{RuleName: "second-rule"})
	if !res.Success || res.Metadata.Rule != "second-rule" {
		t.Errorf("named selection = %+v", res.Metadata)
	}

	// Unknown name.
	res = engine.Transform(event, Options{RuleName: "ghost"})
	if res.Success {
		t.Error("Transform with unknown rule name succeeded")
	}
}

func TestDisabledRuleRejected(t *testing.T) {
	disabled := strings.Replace(customJSONRule, `"enabled": true`, `"enabled": false`, 1)
	engine := newTestEngine(t, map[string]string{"r.json": disabled})
	event := parseEvent(t, patientEvent)

	if res := engine.Transform(event, Options{RuleName: "patient-to-custom"}); res.Success {
		t.Error("disabled rule selected by name succeeded")
	}
	if res := engine.Transform(event, Options{}); res.Success {
		t.Error("disabled rule selected by event type succeeded")
	}
}

func TestCustomSubdirectoryLoaded(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "custom"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeRule(t, filepath.Join(dir, "custom"), "patient.json", customJSONRule)

	engine, err := NewEngine(dir, 0)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	if !engine.HasRule("patient-to-custom") {
		t.Error("rule from custom/ subdirectory not loaded")
	}
}

func TestForcedReloadBypassesTTL(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "patient.json", customJSONRule)

	engine, err := NewEngine(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if engine.HasRule("second-rule") {
		t.Fatal("unexpected rule before reload")
	}

	writeRule(t, dir, "second.json",
		strings.Replace(customJSONRule, `"patient-to-custom"`, `"second-rule"`, 1))

	// TTL has not elapsed; the new file is invisible.
	engine.Transform(parseEvent(t, patientEvent), Options{})
	if engine.HasRule("second-rule") {
		t.Error("new rule visible before TTL or forced reload")
	}

	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if !engine.HasRule("second-rule") {
		t.Error("forced reload did not pick up new rule")
	}
}

func TestOutputSchemaValidation(t *testing.T) {
	dir := t.TempDir()
	schema := `{
		"type": "object",
		"required": ["patient"],
		"properties": {
			"patient": {
				"type": "object",
				"required": ["id", "mrn"],
				"properties": {
					"id": {"type": "string"},
					"mrn": {"type": "string"}
				}
			}
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "patient.schema.json"), []byte(schema), 0o644); err != nil {
		t.Fatal(err)
	}
	rule := `{
		"name": "validated",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"outputSchema": "patient.schema.json",
		"mappings": [
			{"source": "$.data.patientId", "target": "patient.id"}
		]
	}`
	writeRule(t, dir, "r.json", rule)

	engine, err := NewEngine(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	event := parseEvent(t, patientEvent)

	// Output misses patient.mrn: validation fails the transform.
	res := engine.Transform(event, Options{})
	if res.Success {
		t.Fatal("Transform() succeeded, want schema validation failure")
	}
	if !res.Metadata.Validated || res.Metadata.ValidationPassed {
		t.Errorf("Metadata = %+v, want validated and not passed", res.Metadata)
	}
	if len(res.Errors) == 0 {
		t.Fatal("no validation errors reported")
	}

	// continueOnError downgrades violations to warnings.
	res = engine.Transform(event, Options{ContinueOnError: true})
	if !res.Success {
		t.Fatalf("Transform() with ContinueOnError failed: %+v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected validation warnings")
	}
}

func TestDuplicateRuleNamesRejected(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.json", customJSONRule)
	writeRule(t, dir, "b.json", customJSONRule)

	if _, err := NewEngine(dir, 0); err == nil {
		t.Error("NewEngine accepted duplicate rule names")
	}
}
