package interop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/bridge"
	"github.com/smile-health/interop/internal/broker"
	"github.com/smile-health/interop/internal/circuitbreaker"
	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/consumer"
	"github.com/smile-health/interop/internal/fanout"
	"github.com/smile-health/interop/internal/health"
	"github.com/smile-health/interop/internal/logging"
	"github.com/smile-health/interop/internal/metrics"
	"github.com/smile-health/interop/internal/router"
	"github.com/smile-health/interop/internal/transform"
)

// Service assembles the interop pipeline: broker connection, consumers,
// route matching, and either multi-client fan-out or the mediator bridge.
type Service struct {
	cfg *config.Config

	broker    *broker.Manager
	routes    *router.Engine
	clients   *config.ClientRegistry
	rules     *transform.Engine
	fanout    *fanout.Dispatcher
	bridge    *bridge.Bridge
	consumers []*consumer.Consumer
	metrics   *metrics.Metrics
	checker   *health.Checker

	httpServer *http.Server
	httpClient *http.Client
	watchers   []*config.Watcher
	started    bool
}

// New wires the service from configuration. Any configuration or rule
// loading error fails construction; nothing is connected yet.
func New(cfg *config.Config) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		metrics:    metrics.New(),
		httpClient: &http.Client{},
	}

	routingFile, err := router.LoadRoutingFile(cfg.RoutingConfigPath)
	if err != nil {
		return nil, err
	}
	s.routes, err = router.NewEngine(routingFile)
	if err != nil {
		return nil, err
	}

	if cfg.Bridge.Enabled {
		s.bridge = bridge.New(cfg.Bridge)
	} else {
		s.clients, err = config.LoadClients(cfg.ClientsConfigPath)
		if err != nil {
			return nil, err
		}
		s.rules, err = transform.NewEngine(cfg.RulesDir, 0)
		if err != nil {
			return nil, err
		}
		s.warnUnknownRules()
		s.fanout = fanout.NewDispatcher(s.clients, s.rules)
	}

	s.broker = broker.NewManager(cfg.Broker)
	s.broker.On(broker.EventReconnecting, func(broker.Event) {
		s.metrics.BrokerReconnect()
	})

	for _, cc := range cfg.Consumers {
		cons := consumer.New(cc, s.channelSource(), s.handleEvent)
		cons.SetObserver(s.metrics)
		s.consumers = append(s.consumers, cons)
	}

	s.checker = health.NewChecker(cfg.Service.Name, cfg.Service.Version)
	s.checker.BrokerHealth = s.broker.Health
	s.checker.Consumers = s.consumerStats
	if s.clients != nil {
		s.checker.Breakers = s.clients.BreakerSnapshots
	}
	if s.bridge != nil {
		s.checker.Bridge = func() any { return s.bridge.Stats() }
	}

	return s, nil
}

// warnUnknownRules surfaces client rule references that no loaded rule
// satisfies; delivery for those clients will fail until rules appear.
func (s *Service) warnUnknownRules() {
	for _, c := range s.clients.All() {
		for _, name := range c.TransformationRules {
			if !s.rules.HasRule(name) {
				logging.Warn("client references unknown transformation rule",
					zap.String("client", c.ID),
					zap.String("rule", name),
				)
			}
		}
	}
}

// channelSource adapts the connection manager to the consumer's channel
// factory. Consumers never release channels; eviction happens on close.
func (s *Service) channelSource() consumer.ChannelSource {
	return func() (consumer.Channel, error) {
		_, ch, err := s.broker.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Start connects the broker, starts every consumer, begins config watching,
// and serves health and metrics. Any failure aborts startup.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Connect(ctx); err != nil {
		return err
	}

	for _, c := range s.consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	s.started = true

	// Re-establish consumer bindings after a successful reconnect.
	s.broker.On(broker.EventConnected, func(broker.Event) {
		s.restartConsumers(ctx)
	})

	s.routes.StartDynamicReload(s.cfg.RoutingConfigPath)
	if err := s.startWatchers(); err != nil {
		return err
	}
	s.startHTTP()

	logging.Info("interop service started",
		zap.String("service", s.cfg.Service.Name),
		zap.String("version", s.cfg.Service.Version),
		zap.Int("consumers", len(s.consumers)),
		zap.Bool("bridge_mode", s.bridge != nil),
	)
	return nil
}

func (s *Service) restartConsumers(ctx context.Context) {
	if !s.started {
		return
	}
	for _, c := range s.consumers {
		if c.IsActive() {
			continue
		}
		if err := c.Start(ctx); err != nil {
			logging.Error("consumer restart failed",
				zap.String("consumer", c.Name()),
				zap.Error(err),
			)
		}
	}
}

// startWatchers hot-reloads the routing and clients files on change.
func (s *Service) startWatchers() error {
	rw, err := config.NewWatcher(s.cfg.RoutingConfigPath)
	if err != nil {
		return err
	}
	rw.OnChange(func(path string) {
		file, err := router.LoadRoutingFile(path)
		if err != nil {
			logging.Error("routing config reload failed", zap.Error(err))
			return
		}
		if err := s.routes.Replace(file); err != nil {
			logging.Error("routing config reload rejected", zap.Error(err))
			return
		}
		logging.Info("routing configuration reloaded", zap.String("path", path))
	})
	if err := rw.Start(); err != nil {
		return err
	}
	s.watchers = append(s.watchers, rw)

	if s.clients == nil {
		return nil
	}
	cw, err := config.NewWatcher(s.cfg.ClientsConfigPath)
	if err != nil {
		return err
	}
	cw.OnChange(func(path string) {
		reg, err := config.LoadClients(path)
		if err != nil {
			logging.Error("clients config reload failed", zap.Error(err))
			return
		}
		s.clients.Replace(reg)
		logging.Info("clients configuration reloaded", zap.String("path", path))
	})
	if err := cw.Start(); err != nil {
		return err
	}
	s.watchers = append(s.watchers, cw)
	return nil
}

func (s *Service) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/health", s.checker.Handler())
	mux.Handle("/metrics", s.metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTP.Address,
		Handler: mux,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("http server failed", zap.Error(err))
		}
	}()
}

func (s *Service) consumerStats() map[string]consumer.StatsSnapshot {
	out := make(map[string]consumer.StatsSnapshot, len(s.consumers))
	for _, c := range s.consumers {
		out[c.Name()] = c.Stats()
	}
	return out
}

// handleEvent is the per-message pipeline: route match, then destination
// dispatch. Returning an error nacks the delivery per consumer config.
func (s *Service) handleEvent(ctx context.Context, event *cloudevents.Event, pctx consumer.ProcessingContext) error {
	s.metrics.EventConsumed(pctx.Queue)

	if s.bridge != nil {
		if err := s.bridge.Forward(ctx, event); err != nil {
			s.metrics.EventFailed(pctx.Queue)
			return err
		}
		s.metrics.EventProcessed(pctx.Queue)
		return nil
	}

	match := s.routes.FindMatch(event)
	if !match.Matched {
		s.metrics.RouteUnmatched()
		return s.handleUnmatched(event, pctx)
	}
	s.metrics.RouteMatched(match.Route.Config.Name)

	err := s.dispatch(ctx, event, match.Route)
	if err != nil {
		s.metrics.EventFailed(pctx.Queue)
		return err
	}
	s.metrics.EventProcessed(pctx.Queue)
	return nil
}

// handleUnmatched applies the router's fallback behavior. Drop and
// fallback-without-route acknowledge; error nacks.
func (s *Service) handleUnmatched(event *cloudevents.Event, pctx consumer.ProcessingContext) error {
	behavior := s.routes.Settings().FallbackBehavior
	logging.Warn("no route matched event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("source", event.Source),
		zap.String("correlation_id", pctx.CorrelationID),
		zap.String("fallback_behavior", string(behavior)),
	)
	if behavior == router.FallbackError {
		return fmt.Errorf("interop: no route for event %s (source %s, type %s)", event.ID, event.Source, event.Type)
	}
	return nil
}

// dispatch sends a matched event to its route destination.
func (s *Service) dispatch(ctx context.Context, event *cloudevents.Event, route *router.CompiledRoute) error {
	dest := route.Config.Destination
	switch dest.Type {
	case "gateway":
		return s.dispatchFanout(ctx, event)
	case "queue", "topic":
		return s.republish(ctx, event, dest)
	case "http":
		return s.deliverHTTP(ctx, event, route)
	default:
		return fmt.Errorf("interop: route %s has unsupported destination type %q", route.Config.Name, dest.Type)
	}
}

// dispatchFanout delivers to all subscribed clients. The delivery is
// considered failed only when every selected client failed, so one broken
// client cannot poison the queue for the others.
func (s *Service) dispatchFanout(ctx context.Context, event *cloudevents.Event) error {
	result := s.fanout.Dispatch(ctx, event)
	for _, cr := range result.Clients {
		s.metrics.Delivery(cr.ClientID, cr.Success, time.Duration(cr.DurationMs)*time.Millisecond)
		if cr.Rule != "" {
			s.metrics.Transformation(cr.Rule, cr.Success)
		}
	}
	s.updateBreakerGauges()

	if result.Total > 0 && result.Successful == 0 {
		return fmt.Errorf("interop: delivery failed for all %d clients of event %s", result.Total, event.ID)
	}
	return nil
}

func (s *Service) updateBreakerGauges() {
	for id, snap := range s.clients.BreakerSnapshots() {
		s.metrics.SetBreakerOpen(id, snap.IsOpen)
	}
}

// republish forwards the raw event to another exchange or queue.
func (s *Service) republish(ctx context.Context, event *cloudevents.Event, dest router.DestinationConfig) error {
	routingKey := dest.RoutingKey
	if routingKey == "" {
		routingKey = dest.Queue
	}
	return s.broker.Publish(ctx, dest.Exchange, routingKey, event.Raw(), amqp091.Publishing{
		ContentType:   "application/json",
		MessageId:     event.ID,
		CorrelationId: event.ID,
	})
}

// deliverHTTP posts the event to the route's endpoint, optionally through
// a named transformation rule.
func (s *Service) deliverHTTP(ctx context.Context, event *cloudevents.Event, route *router.CompiledRoute) error {
	dest := route.Config.Destination

	payload := event.Raw()
	contentType := "application/json"
	if hint := route.Config.Transform; hint != nil && hint.Enabled && s.rules != nil {
		ruleName := hint.Config["rule"]
		result := s.rules.Transform(event, transform.Options{RuleName: ruleName})
		s.metrics.Transformation(result.Metadata.Rule, result.Success)
		if !result.Success {
			return fmt.Errorf("interop: route %s transformation failed", route.Config.Name)
		}
		switch data := result.Data.(type) {
		case string:
			payload = []byte(data)
			if bytes.HasPrefix(payload, []byte("MSH")) {
				contentType = "text/plain"
			}
		case json.RawMessage:
			payload = data
		case []byte:
			payload = data
		default:
			encoded, err := json.Marshal(data)
			if err != nil {
				return fmt.Errorf("interop: route %s produced unencodable payload: %w", route.Config.Name, err)
			}
			payload = encoded
		}
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, dest.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("interop: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-Source", event.Source)
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("interop: delivery to %s failed: %w", logging.SanitizeURL(dest.Endpoint), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("interop: endpoint %s returned %d", logging.SanitizeURL(dest.Endpoint), resp.StatusCode)
	}
	return nil
}

// BreakerSnapshot exposes a client's breaker state, mainly for tests and
// diagnostics.
func (s *Service) BreakerSnapshot(clientID string) (circuitbreaker.Snapshot, bool) {
	if s.clients == nil {
		return circuitbreaker.Snapshot{}, false
	}
	return s.clients.Breaker(clientID).Snapshot(), true
}

// Stop shuts the pipeline down in reverse order: consumers first so the
// broker stops delivering, then watchers, the connection, and the HTTP
// listener. In-flight handlers get a short grace period.
func (s *Service) Stop() {
	for _, c := range s.consumers {
		c.Stop()
	}
	s.routes.StopDynamicReload()
	for _, w := range s.watchers {
		w.Stop()
	}

	if err := s.broker.Disconnect(); err != nil {
		logging.Warn("broker disconnect failed", zap.Error(err))
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logging.Warn("http server shutdown failed", zap.Error(err))
		}
	}

	logging.Info("interop service stopped")
}
