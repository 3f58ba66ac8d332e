package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/logging"
)

// sourceEndpoint maps for the known producer services.
const (
	sourceHealth = "smile.health-service"
	sourceOrders = "smile.orders-service"
)

// Stats are the bridge's delivery counters.
type Stats struct {
	TotalRequests         int64   `json:"totalRequests"`
	Successful            int64   `json:"successful"`
	Failed                int64   `json:"failed"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
}

// Bridge forwards consumed events to a single mediator endpoint selected
// by event source, with basic auth and exponential-backoff retry.
type Bridge struct {
	cfg        config.BridgeConfig
	httpClient *http.Client

	mu          sync.Mutex
	total       int64
	successful  int64
	failed      int64
	elapsedMsAg float64
}

// New creates a bridge from its configuration.
func New(cfg config.BridgeConfig) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Bridge{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// endpointFor selects the target by event source.
func (b *Bridge) endpointFor(source string) string {
	switch source {
	case sourceHealth:
		if b.cfg.HealthEndpoint != "" {
			return b.cfg.HealthEndpoint
		}
	case sourceOrders:
		if b.cfg.OrdersEndpoint != "" {
			return b.cfg.OrdersEndpoint
		}
	}
	return b.cfg.DefaultEndpoint
}

// Forward posts the raw event to the endpoint for its source, retrying
// with exponential backoff up to the configured attempt limit.
func (b *Bridge) Forward(ctx context.Context, event *cloudevents.Event) error {
	endpoint := b.endpointFor(event.Source)
	if endpoint == "" {
		return fmt.Errorf("bridge: no endpoint for source %q", event.Source)
	}

	start := time.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff
	policy.MaxElapsedTime = 0

	var attempt int
	operation := func() error {
		attempt++
		err := b.doRequest(ctx, endpoint, event)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			logging.Warn("bridge delivery failed",
				zap.String("endpoint", logging.SanitizeURL(endpoint)),
				zap.String("event_id", event.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(b.cfg.MaxRetries)), ctx))

	b.record(err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("bridge: delivery to %s failed after %d attempts: %w",
			logging.SanitizeURL(endpoint), attempt, err)
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mediator returned %d", e.code)
}

func permanent(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code >= 400 && se.code < 500
}

func (b *Bridge) doRequest(ctx context.Context, endpoint string, event *cloudevents.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(event.Raw()))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-Source", event.Source)
	if b.cfg.Username != "" {
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

func (b *Bridge) record(success bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	if success {
		b.successful++
	} else {
		b.failed++
	}
	b.elapsedMsAg += float64(elapsed.Milliseconds())
}

// Stats returns a copy of the delivery counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		TotalRequests: b.total,
		Successful:    b.successful,
		Failed:        b.failed,
	}
	if b.total > 0 {
		s.AverageResponseTimeMs = b.elapsedMsAg / float64(b.total)
	}
	return s
}
