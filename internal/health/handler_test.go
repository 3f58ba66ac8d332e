package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smile-health/interop/internal/broker"
	"github.com/smile-health/interop/internal/consumer"
)

func checkerWith(state broker.State, consumers map[string]consumer.StatsSnapshot) *Checker {
	c := NewChecker("interop", "1.2.0")
	c.BrokerHealth = func() broker.Health { return broker.Health{State: state} }
	c.Consumers = func() map[string]consumer.StatsSnapshot { return consumers }
	return c
}

func TestReportHealthy(t *testing.T) {
	c := checkerWith(broker.StateConnected, map[string]consumer.StatsSnapshot{
		"patient-events": {Active: true},
		"order-events":   {Active: true},
	})

	r := c.Report()
	if r.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy", r.Status)
	}
	if r.Service != "interop" || r.Version != "1.2.0" {
		t.Errorf("identity = %s/%s", r.Service, r.Version)
	}
}

func TestReportDegraded(t *testing.T) {
	c := checkerWith(broker.StateConnected, map[string]consumer.StatsSnapshot{
		"patient-events": {Active: true},
		"order-events":   {Active: false},
	})

	if got := c.Report().Status; got != StatusDegraded {
		t.Errorf("Status = %v, want degraded", got)
	}
}

func TestReportUnhealthy(t *testing.T) {
	c := checkerWith(broker.StateReconnecting, map[string]consumer.StatsSnapshot{
		"patient-events": {Active: true},
	})

	if got := c.Report().Status; got != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", got)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	cases := []struct {
		state    broker.State
		wantCode int
	}{
		{broker.StateConnected, http.StatusOK},
		{broker.StateReconnecting, http.StatusServiceUnavailable},
		{broker.StateError, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		c := checkerWith(tc.state, map[string]consumer.StatsSnapshot{"q": {Active: true}})
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != tc.wantCode {
			t.Errorf("state %v: code = %d, want %d", tc.state, rec.Code, tc.wantCode)
		}

		var report Report
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("state %v: body is not JSON: %v", tc.state, err)
		}
		if report.Broker.State != tc.state {
			t.Errorf("state %v: broker state in body = %v", tc.state, report.Broker.State)
		}
	}
}

func TestNilProvidersSkipped(t *testing.T) {
	c := NewChecker("interop", "dev")

	r := c.Report()
	if r.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy without a broker provider", r.Status)
	}
	if r.CircuitBreakers != nil || r.Bridge != nil {
		t.Errorf("optional sections populated: %+v", r)
	}
}
