package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus instruments on a dedicated
// registry so the exposition contains only interop metrics.
type Metrics struct {
	registry *prometheus.Registry

	eventsConsumed     *prometheus.CounterVec
	eventsProcessed    *prometheus.CounterVec
	eventsFailed       *prometheus.CounterVec
	eventsDuplicate    *prometheus.CounterVec
	eventsDeadLettered *prometheus.CounterVec

	routesMatched   *prometheus.CounterVec
	routesUnmatched prometheus.Counter

	transformations *prometheus.CounterVec

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	brokerReconnects prometheus.Counter
	breakerOpen      *prometheus.GaugeVec
}

// New creates and registers the pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_events_consumed_total",
			Help: "CloudEvents received from the broker.",
		}, []string{"queue"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_events_processed_total",
			Help: "CloudEvents processed and acknowledged.",
		}, []string{"queue"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_events_failed_total",
			Help: "CloudEvents whose handler failed.",
		}, []string{"queue"}),
		eventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_events_duplicate_total",
			Help: "CloudEvents dropped by deduplication.",
		}, []string{"queue"}),
		eventsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_events_dead_lettered_total",
			Help: "CloudEvents rejected without requeue.",
		}, []string{"queue"}),
		routesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_routes_matched_total",
			Help: "Events matched per route.",
		}, []string{"route"}),
		routesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interop_routes_unmatched_total",
			Help: "Events no enabled route matched.",
		}),
		transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_transformations_total",
			Help: "Transformation runs per rule and outcome.",
		}, []string{"rule", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_deliveries_total",
			Help: "Client deliveries per outcome.",
		}, []string{"client", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "interop_delivery_duration_seconds",
			Help:    "Client delivery latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"client"}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interop_broker_reconnects_total",
			Help: "Broker reconnection attempts.",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "interop_circuit_breaker_open",
			Help: "Circuit breaker state per client (1=open).",
		}, []string{"client"}),
	}

	m.registry.MustRegister(
		m.eventsConsumed, m.eventsProcessed, m.eventsFailed, m.eventsDuplicate,
		m.eventsDeadLettered,
		m.routesMatched, m.routesUnmatched, m.transformations,
		m.deliveries, m.deliveryDuration,
		m.brokerReconnects, m.breakerOpen,
	)
	return m
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventConsumed(queue string)  { m.eventsConsumed.WithLabelValues(queue).Inc() }
func (m *Metrics) EventProcessed(queue string) { m.eventsProcessed.WithLabelValues(queue).Inc() }
func (m *Metrics) EventFailed(queue string)    { m.eventsFailed.WithLabelValues(queue).Inc() }
func (m *Metrics) EventDuplicate(queue string) { m.eventsDuplicate.WithLabelValues(queue).Inc() }
func (m *Metrics) EventDeadLettered(queue string) {
	m.eventsDeadLettered.WithLabelValues(queue).Inc()
}

func (m *Metrics) RouteMatched(route string) { m.routesMatched.WithLabelValues(route).Inc() }
func (m *Metrics) RouteUnmatched()           { m.routesUnmatched.Inc() }

func (m *Metrics) Transformation(rule string, success bool) {
	m.transformations.WithLabelValues(rule, outcome(success)).Inc()
}

func (m *Metrics) Delivery(client string, success bool, elapsed time.Duration) {
	m.deliveries.WithLabelValues(client, outcome(success)).Inc()
	m.deliveryDuration.WithLabelValues(client).Observe(elapsed.Seconds())
}

func (m *Metrics) BrokerReconnect() { m.brokerReconnects.Inc() }

func (m *Metrics) SetBreakerOpen(client string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(client).Set(v)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
