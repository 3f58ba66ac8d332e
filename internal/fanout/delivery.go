package fanout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/logging"
	"github.com/smile-health/interop/internal/transform"
)

// ClientResult is the per-client delivery outcome.
type ClientResult struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Attempts   int    `json:"attempts"`
	Rule       string `json:"rule,omitempty"`
	Error      string `json:"error,omitempty"`
}

// deliver transforms the event for one client and posts the payload to its
// endpoint, retrying transient failures.
func (d *Dispatcher) deliver(ctx context.Context, client config.ClientConfig, event *cloudevents.Event) ClientResult {
	start := time.Now()
	res := ClientResult{ClientID: client.ID, ClientName: client.Name}

	// A transformation failure is a configuration problem, not a delivery
	// outcome; the breaker only records endpoint results.
	payload, contentType, rule, err := d.transformForClient(event, client)
	res.Rule = rule
	if err != nil {
		res.Error = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	status, attempts, err := d.post(ctx, client, event, payload, contentType)
	res.StatusCode = status
	res.Attempts = attempts
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		d.recordFailure(client.ID)
		return res
	}

	res.Success = true
	d.recordSuccess(client.ID)
	return res
}

// transformForClient runs the client's rule chain in order. The last
// rule's output is the delivered payload and alone determines the content
// type; any failure aborts delivery.
func (d *Dispatcher) transformForClient(event *cloudevents.Event, client config.ClientConfig) ([]byte, string, string, error) {
	if len(client.TransformationRules) == 0 {
		return event.Raw(), "application/json", "", nil
	}

	var (
		payload     []byte
		contentType string
		lastRule    string
	)
	for _, name := range client.TransformationRules {
		result := d.engine.Transform(event, transform.Options{RuleName: name})
		lastRule = name
		if !result.Success {
			return nil, "", lastRule, fmt.Errorf("transformation rule %s failed: %s", name, firstError(result.Errors))
		}
		contentType = "application/json"
		switch data := result.Data.(type) {
		case string:
			payload = []byte(data)
			if strings.HasPrefix(data, "MSH") {
				contentType = "text/plain"
			}
		case json.RawMessage:
			payload = data
		case []byte:
			payload = data
		default:
			encoded, err := json.Marshal(data)
			if err != nil {
				return nil, "", lastRule, fmt.Errorf("transformation rule %s produced unencodable output: %w", name, err)
			}
			payload = encoded
		}
	}
	return payload, contentType, lastRule, nil
}

// post delivers the payload with up to retryAttempts+1 total attempts.
// 4xx responses are permanent and never retried; between attempts the
// delay scales linearly with the attempt number.
func (d *Dispatcher) post(ctx context.Context, client config.ClientConfig, event *cloudevents.Event, payload []byte, contentType string) (int, int, error) {
	total := client.RetryAttempts + 1
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= total; attempt++ {
		status, err := d.doRequest(ctx, client, event, payload, contentType)
		lastStatus = status
		if err == nil {
			return status, attempt, nil
		}
		lastErr = err

		if status >= 400 && status < 500 {
			return status, attempt, err
		}
		if attempt == total {
			break
		}

		logging.Warn("client delivery failed, retrying",
			zap.String("client", client.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-time.After(client.RetryDelay() * time.Duration(attempt)):
		case <-ctx.Done():
			return lastStatus, attempt, ctx.Err()
		}
	}
	return lastStatus, total, lastErr
}

func (d *Dispatcher) doRequest(ctx context.Context, client config.ClientConfig, event *cloudevents.Event, payload []byte, contentType string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, client.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, client.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-Source", event.Source)
	req.Header.Set("X-Client-Id", client.ID)
	setAuthHeaders(req, client)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
}

func setAuthHeaders(req *http.Request, client config.ClientConfig) {
	switch client.AuthType {
	case config.AuthBasic:
		creds := client.AuthConfig.Username + ":" + client.AuthConfig.Password
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	case config.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+client.AuthConfig.Token)
	case config.AuthAPIKey:
		header := client.AuthConfig.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, client.AuthConfig.APIKey)
	}
	// oauth2 is reserved; none sends no header.
}

func (d *Dispatcher) recordSuccess(clientID string) {
	if d.registry.Settings().EnableCircuitBreaker {
		d.registry.Breaker(clientID).RecordSuccess()
	}
}

func (d *Dispatcher) recordFailure(clientID string) {
	if d.registry.Settings().EnableCircuitBreaker {
		d.registry.Breaker(clientID).RecordFailure()
	}
}

func firstError(errs []transform.FieldError) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", errs[0].Field, errs[0].Message)
}
