package fanout

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/logging"
	"github.com/smile-health/interop/internal/transform"
)

// Result aggregates one fan-out run across all selected clients.
type Result struct {
	EventID    string         `json:"eventId"`
	EventType  string         `json:"eventType"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Clients    []ClientResult `json:"clients,omitempty"`
}

// Dispatcher delivers events to every subscribed client in parallel. A
// client's failure never affects its peers; circuit breakers gate
// selection and record outcomes.
type Dispatcher struct {
	registry   *config.ClientRegistry
	engine     *transform.Engine
	httpClient *http.Client
}

// NewDispatcher creates a dispatcher over the client registry and
// transformation engine.
func NewDispatcher(registry *config.ClientRegistry, engine *transform.Engine) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		engine:   engine,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Dispatch selects the eligible clients for the event type and delivers to
// all of them concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, event *cloudevents.Event) *Result {
	clients := d.registry.SelectForEvent(event.Type)

	res := &Result{
		EventID:   event.ID,
		EventType: event.Type,
		Total:     len(clients),
		Clients:   make([]ClientResult, len(clients)),
	}
	if len(clients) == 0 {
		logging.Debug("no clients subscribed to event type",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
		)
		return res
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range clients {
		g.Go(func() error {
			res.Clients[i] = d.deliver(gctx, clients[i], event)
			return nil
		})
	}
	g.Wait()

	for _, cr := range res.Clients {
		if cr.Success {
			res.Successful++
		} else {
			res.Failed++
		}
	}

	logging.Info("event fan-out complete",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("total", res.Total),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
	)
	return res
}
