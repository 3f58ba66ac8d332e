package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/smile-health/interop/internal/broker"
	"github.com/smile-health/interop/internal/circuitbreaker"
	"github.com/smile-health/interop/internal/consumer"
)

// Status is the overall service condition.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the /health response body.
type Report struct {
	Status          Status                            `json:"status"`
	Service         string                            `json:"service"`
	Version         string                            `json:"version"`
	Uptime          string                            `json:"uptime"`
	Timestamp       time.Time                         `json:"timestamp"`
	Broker          broker.Health                     `json:"broker"`
	Consumers       map[string]consumer.StatsSnapshot `json:"consumers"`
	CircuitBreakers map[string]circuitbreaker.Snapshot `json:"circuitBreakers,omitempty"`
	Bridge          any                               `json:"bridge,omitempty"`
}

// Checker aggregates component state into a health report. The provider
// funcs are read on every request; nil providers are skipped.
type Checker struct {
	service string
	version string
	start   time.Time

	BrokerHealth func() broker.Health
	Consumers    func() map[string]consumer.StatsSnapshot
	Breakers     func() map[string]circuitbreaker.Snapshot
	Bridge       func() any
}

// NewChecker creates a checker for the named service instance.
func NewChecker(service, version string) *Checker {
	return &Checker{
		service: service,
		version: version,
		start:   time.Now(),
	}
}

// Report builds the current health report. The service is healthy when
// the broker is connected and every consumer is active; degraded when the
// broker is up but a consumer is down; unhealthy otherwise.
func (c *Checker) Report() Report {
	r := Report{
		Service:   c.service,
		Version:   c.version,
		Uptime:    time.Since(c.start).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}

	brokerHealthy := false
	if c.BrokerHealth != nil {
		r.Broker = c.BrokerHealth()
		brokerHealthy = r.Broker.State == broker.StateConnected
	}

	allActive := true
	if c.Consumers != nil {
		r.Consumers = c.Consumers()
		for _, s := range r.Consumers {
			if !s.Active {
				allActive = false
			}
		}
	}

	if c.Breakers != nil {
		r.CircuitBreakers = c.Breakers()
	}
	if c.Bridge != nil {
		r.Bridge = c.Bridge()
	}

	switch {
	case brokerHealthy && allActive:
		r.Status = StatusHealthy
	case brokerHealthy:
		r.Status = StatusDegraded
	default:
		r.Status = StatusUnhealthy
	}
	return r
}

// Handler serves the health report. Unhealthy reports get 503 so load
// balancers and probes can act on the status code alone.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := c.Report()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	})
}
