package fanout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/transform"
)

func testEvent(t *testing.T) *cloudevents.Event {
	t.Helper()
	event, err := cloudevents.Parse([]byte(`{
		"specversion": "1.0",
		"type": "health.patient.registered",
		"source": "smile.health-service",
		"id": "evt-f1",
		"data": {"patientId": "P-1", "name": {"family": "curie"}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return event
}

type clientSpec struct {
	id       string
	endpoint string
	types    []string
	rules    []string
	enabled  bool
	retries  int
	auth     string
}

func registryFor(t *testing.T, breakerThreshold int, specs []clientSpec) *config.ClientRegistry {
	t.Helper()
	clients := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		c := map[string]any{
			"id":         s.id,
			"name":       s.id,
			"enabled":    s.enabled,
			"endpoint":   s.endpoint,
			"eventTypes": s.types,
			"timeout":    2000,
			"retryDelay": 1,
		}
		if s.retries > 0 {
			c["retryAttempts"] = s.retries
		}
		if len(s.rules) > 0 {
			c["transformationRules"] = s.rules
		}
		if s.auth == "bearer" {
			c["authType"] = "bearer"
			c["authConfig"] = map[string]any{"token": "sekret"}
		}
		clients = append(clients, c)
	}
	file := map[string]any{
		"version":     "1.0",
		"lastUpdated": "2026-01-01",
		"clients":     clients,
		"globalSettings": map[string]any{
			"enableCircuitBreaker":    breakerThreshold > 0,
			"circuitBreakerThreshold": breakerThreshold,
			"circuitBreakerTimeout":   60000,
		},
	}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := config.ParseClients(data)
	if err != nil {
		t.Fatalf("ParseClients() error: %v", err)
	}
	return reg
}

func ruleEngine(t *testing.T, rules map[string]string) *transform.Engine {
	t.Helper()
	dir := t.TempDir()
	for name, body := range rules {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	engine, err := transform.NewEngine(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

func TestDispatchSelectsSubscribedClients(t *testing.T) {
	var hits sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.Header.Get("X-Client-Id"), true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "sub", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true},
		{id: "other-type", endpoint: srv.URL, types: []string{"orders.created"}, enabled: true},
		{id: "disabled", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: false},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Total != 1 || res.Successful != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := hits.Load("sub"); !ok {
		t.Error("subscribed client was not called")
	}
	if _, ok := hits.Load("other-type"); ok {
		t.Error("unsubscribed client was called")
	}
}

func TestDeliveryHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "c1", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, auth: "bearer"},
	})
	d := NewDispatcher(reg, nil)
	d.Dispatch(context.Background(), testEvent(t))

	want := map[string]string{
		"X-Event-Id":     "evt-f1",
		"X-Event-Type":   "health.patient.registered",
		"X-Event-Source": "smile.health-service",
		"X-Client-Id":    "c1",
		"Content-Type":   "application/json",
		"Authorization":  "Bearer sekret",
	}
	for k, v := range want {
		if got := gotHeaders.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "flaky", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, retries: 3},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Successful != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("endpoint called %d times, want 3", got)
	}
	if res.Clients[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Clients[0].Attempts)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "rejecting", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, retries: 3},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("endpoint called %d times, want 1 (no retry on 4xx)", got)
	}
	if res.Clients[0].StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d", res.Clients[0].StatusCode)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "down", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, retries: 2},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	// retryAttempts+1 total attempts.
	if got := calls.Load(); got != 3 {
		t.Errorf("endpoint called %d times, want 3", got)
	}
}

func TestFailureIsolation(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "good", endpoint: ok.URL, types: []string{"health.patient.registered"}, enabled: true},
		{id: "bad", endpoint: bad.URL, types: []string{"health.patient.registered"}, enabled: true},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Total != 2 || res.Successful != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCircuitBreakerExcludesClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registryFor(t, 2, []clientSpec{
		{id: "broken", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true},
	})
	d := NewDispatcher(reg, nil)
	event := testEvent(t)

	// Two failed dispatches reach the threshold.
	d.Dispatch(context.Background(), event)
	d.Dispatch(context.Background(), event)

	snap := reg.Breaker("broken").Snapshot()
	if !snap.IsOpen {
		t.Fatalf("breaker = %+v, want open", snap)
	}

	before := calls.Load()
	res := d.Dispatch(context.Background(), event)
	if res.Total != 0 {
		t.Errorf("open-circuit dispatch selected %d clients, want 0", res.Total)
	}
	if calls.Load() != before {
		t.Error("open-circuit client was still called")
	}
}

func TestTransformChainAndContentType(t *testing.T) {
	hl7Rule := `{
		"name": "to-hl7",
		"eventType": "health.patient.registered",
		"targetFormat": "hl7-v2",
		"enabled": true,
		"outputType": "hl7-delimited",
		"segments": [
			{"segment": "MSH", "fields": [{"field": "MSH-9", "value": "ADT^A04"}]},
			{"segment": "PID", "fields": [{"field": "PID-5", "source": "$.data.name.family", "transform": "toUpperCase"}]}
		]
	}`
	engine := ruleEngine(t, map[string]string{"hl7.json": hl7Rule})

	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "hl7-client", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, rules: []string{"to-hl7"}},
	})
	d := NewDispatcher(reg, engine)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Successful != 1 {
		t.Fatalf("result = %+v", res)
	}
	if gotContentType != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain for MSH payload", gotContentType)
	}
	if !strings.HasPrefix(string(gotBody), `MSH|^~\&|`) {
		t.Errorf("body = %q, want HL7 message", gotBody)
	}
	if res.Clients[0].Rule != "to-hl7" {
		t.Errorf("Rule = %q", res.Clients[0].Rule)
	}
}

func TestContentTypeFollowsFinalRule(t *testing.T) {
	hl7Rule := `{
		"name": "to-hl7",
		"eventType": "health.patient.registered",
		"targetFormat": "hl7-v2",
		"enabled": true,
		"outputType": "hl7-delimited",
		"segments": [
			{"segment": "MSH", "fields": [{"field": "MSH-9", "value": "ADT^A04"}]}
		]
	}`
	jsonRule := `{
		"name": "to-json",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"source": "$.data.patientId", "target": "patientId"}
		]
	}`
	engine := ruleEngine(t, map[string]string{
		"hl7.json":  hl7Rule,
		"json.json": jsonRule,
	})

	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "mixed", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, rules: []string{"to-hl7", "to-json"}},
	})
	d := NewDispatcher(reg, engine)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Successful != 1 {
		t.Fatalf("result = %+v", res)
	}
	// The final rule emits JSON; the earlier HL7 rule must not leak its
	// content type.
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if strings.HasPrefix(string(gotBody), "MSH") {
		t.Errorf("body = %q, want the final rule's JSON", gotBody)
	}
}

func TestTransformFailureLeavesBreakerClosed(t *testing.T) {
	rule := `{
		"name": "strict",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"source": "$.data.missing", "target": "x", "required": true}
		]
	}`
	engine := ruleEngine(t, map[string]string{"strict.json": rule})

	reg := registryFor(t, 1, []clientSpec{
		{id: "strict-client", endpoint: "http://localhost:1", types: []string{"health.patient.registered"}, enabled: true, rules: []string{"strict"}},
	})
	d := NewDispatcher(reg, engine)
	event := testEvent(t)

	for i := 0; i < 3; i++ {
		res := d.Dispatch(context.Background(), event)
		if res.Failed != 1 {
			t.Fatalf("result = %+v", res)
		}
	}

	snap := reg.Breaker("strict-client").Snapshot()
	if snap.IsOpen || snap.FailureCount != 0 {
		t.Errorf("breaker = %+v, want closed with no failures (endpoint never contacted)", snap)
	}
}

func TestTransformFailureAbortsDelivery(t *testing.T) {
	rule := `{
		"name": "strict",
		"eventType": "health.patient.registered",
		"targetFormat": "custom-json",
		"enabled": true,
		"mappings": [
			{"source": "$.data.missing", "target": "x", "required": true}
		]
	}`
	engine := ruleEngine(t, map[string]string{"strict.json": rule})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "strict-client", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, rules: []string{"strict"}},
	})
	d := NewDispatcher(reg, engine)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if calls.Load() != 0 {
		t.Error("endpoint called despite transformation failure")
	}
	if res.Clients[0].Error == "" {
		t.Error("client result carries no error")
	}
}

func TestLinearRetryDelay(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registryFor(t, 0, []clientSpec{
		{id: "timed", endpoint: srv.URL, types: []string{"health.patient.registered"}, enabled: true, retries: 2},
	})
	d := NewDispatcher(reg, nil)

	// Constructed directly so the retry delay is measurable.
	client := config.ClientConfig{
		ID: "timed", Enabled: true, Endpoint: srv.URL,
		EventTypes:    []string{"health.patient.registered"},
		TimeoutMs:     2000,
		RetryAttempts: 2,
		RetryDelayMs:  40,
	}
	d.deliver(context.Background(), client, testEvent(t))

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("endpoint called %d times, want 3", len(times))
	}
	gap1 := times[1].Sub(times[0])
	gap2 := times[2].Sub(times[1])
	if gap1 < 35*time.Millisecond {
		t.Errorf("first gap = %v, want >= ~40ms", gap1)
	}
	if gap2 < 75*time.Millisecond {
		t.Errorf("second gap = %v, want >= ~80ms (delay scales with attempt)", gap2)
	}
	if gap2 < gap1 {
		t.Errorf("delays not increasing: %v then %v", gap1, gap2)
	}
}

func TestNoSubscribersIsSuccess(t *testing.T) {
	reg := registryFor(t, 0, []clientSpec{
		{id: "c", endpoint: "http://localhost:1", types: []string{"orders.created"}, enabled: true},
	})
	d := NewDispatcher(reg, nil)

	res := d.Dispatch(context.Background(), testEvent(t))
	if res.Total != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}
