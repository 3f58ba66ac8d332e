package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/smile-health/interop/internal/circuitbreaker"
)

// AuthType enumerates downstream authentication modes.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
	AuthOAuth2 AuthType = "oauth2" // reserved for future use
)

var validAuthTypes = map[AuthType]bool{
	AuthNone: true, AuthBasic: true, AuthBearer: true, AuthAPIKey: true, AuthOAuth2: true,
}

// AuthConfig carries the credentials matching the client's AuthType.
type AuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	// HeaderName overrides the api-key header. Default X-API-Key.
	HeaderName string `json:"headerName,omitempty"`
}

// ClientConfig describes one downstream consumer.
type ClientConfig struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Enabled             bool              `json:"enabled"`
	Endpoint            string            `json:"endpoint"`
	AuthType            AuthType          `json:"authType"`
	AuthConfig          AuthConfig        `json:"authConfig"`
	TimeoutMs           int               `json:"timeout"`
	RetryAttempts       int               `json:"retryAttempts"`
	RetryDelayMs        int               `json:"retryDelay"`
	TransformationRules []string          `json:"transformationRules"`
	EventTypes          []string          `json:"eventTypes"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Timeout returns the per-request timeout as a duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the base retry delay as a duration.
func (c *ClientConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// SubscribesTo reports whether the client subscribes to the event type.
// Membership is exact; wildcards are a router concern, not a client one.
func (c *ClientConfig) SubscribesTo(eventType string) bool {
	for _, t := range c.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// GlobalSettings apply across all clients.
type GlobalSettings struct {
	EnableCircuitBreaker    bool   `json:"enableCircuitBreaker"`
	CircuitBreakerThreshold int    `json:"circuitBreakerThreshold"`
	CircuitBreakerTimeoutMs int    `json:"circuitBreakerTimeout"`
	EnableMetrics           bool   `json:"enableMetrics"`
	EnableAuditLogging      bool   `json:"enableAuditLogging"`
	LogLevel                string `json:"logLevel"`
	DefaultTimeoutMs        int    `json:"defaultTimeout"`
	DefaultRetryAttempts    int    `json:"defaultRetryAttempts"`
	DefaultRetryDelayMs     int    `json:"defaultRetryDelay"`
}

// ClientsFile is the on-disk shape of the clients configuration.
type ClientsFile struct {
	Version        string         `json:"version"`
	LastUpdated    string         `json:"lastUpdated"`
	Clients        []ClientConfig `json:"clients"`
	GlobalSettings GlobalSettings `json:"globalSettings"`
}

// ClientRegistry holds the loaded clients and owns their circuit breakers.
// Selection reads and delivery-outcome writes run concurrently.
type ClientRegistry struct {
	mu       sync.RWMutex
	clients  []ClientConfig
	settings GlobalSettings
	breakers *circuitbreaker.ByClient
}

// LoadClients reads, validates, and indexes the clients JSON file.
func LoadClients(path string) (*ClientRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clients config: %w", err)
	}
	return ParseClients(data)
}

// ParseClients parses and validates the clients configuration from JSON.
func ParseClients(data []byte) (*ClientRegistry, error) {
	var file ClientsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse clients config: %w", err)
	}
	if err := validateClients(&file); err != nil {
		return nil, fmt.Errorf("clients config validation failed: %w", err)
	}

	applyClientDefaults(&file)

	r := &ClientRegistry{
		clients:  file.Clients,
		settings: file.GlobalSettings,
		breakers: circuitbreaker.NewByClient(
			file.GlobalSettings.CircuitBreakerThreshold,
			time.Duration(file.GlobalSettings.CircuitBreakerTimeoutMs)*time.Millisecond,
		),
	}
	return r, nil
}

func validateClients(file *ClientsFile) error {
	if len(file.Clients) == 0 {
		return fmt.Errorf("at least one client is required")
	}

	ids := make(map[string]bool)
	for i, c := range file.Clients {
		if c.ID == "" {
			return fmt.Errorf("client %d: id is required", i)
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate client id: %s", c.ID)
		}
		ids[c.ID] = true

		if c.Endpoint == "" {
			return fmt.Errorf("client %s: endpoint is required", c.ID)
		}
		if len(c.EventTypes) == 0 {
			return fmt.Errorf("client %s: at least one event type is required", c.ID)
		}
		if c.AuthType != "" && !validAuthTypes[c.AuthType] {
			return fmt.Errorf("client %s: invalid authType %q", c.ID, c.AuthType)
		}
		switch c.AuthType {
		case AuthBasic:
			if c.AuthConfig.Username == "" || c.AuthConfig.Password == "" {
				return fmt.Errorf("client %s: basic auth requires username and password", c.ID)
			}
		case AuthBearer:
			if c.AuthConfig.Token == "" {
				return fmt.Errorf("client %s: bearer auth requires token", c.ID)
			}
		case AuthAPIKey:
			if c.AuthConfig.APIKey == "" {
				return fmt.Errorf("client %s: api-key auth requires apiKey", c.ID)
			}
		}
		if c.RetryAttempts < 0 {
			return fmt.Errorf("client %s: retryAttempts must be >= 0", c.ID)
		}
	}
	return nil
}

// applyClientDefaults fills per-client zero values from globalSettings.
func applyClientDefaults(file *ClientsFile) {
	gs := &file.GlobalSettings
	if gs.DefaultTimeoutMs <= 0 {
		gs.DefaultTimeoutMs = 30000
	}
	if gs.DefaultRetryAttempts < 0 {
		gs.DefaultRetryAttempts = 0
	}
	if gs.DefaultRetryDelayMs <= 0 {
		gs.DefaultRetryDelayMs = 1000
	}
	for i := range file.Clients {
		c := &file.Clients[i]
		if c.AuthType == "" {
			c.AuthType = AuthNone
		}
		if c.TimeoutMs <= 0 {
			c.TimeoutMs = gs.DefaultTimeoutMs
		}
		if c.RetryAttempts == 0 && gs.DefaultRetryAttempts > 0 {
			c.RetryAttempts = gs.DefaultRetryAttempts
		}
		if c.RetryDelayMs <= 0 {
			c.RetryDelayMs = gs.DefaultRetryDelayMs
		}
	}
}

// Settings returns the global settings.
func (r *ClientRegistry) Settings() GlobalSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// All returns a copy of the client list.
func (r *ClientRegistry) All() []ClientConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientConfig, len(r.clients))
	copy(out, r.clients)
	return out
}

// SelectForEvent returns the enabled clients subscribed to the event type
// whose circuit (when breakers are enabled) is closed or past cool-down.
func (r *ClientRegistry) SelectForEvent(eventType string) []ClientConfig {
	r.mu.RLock()
	clients := r.clients
	useBreakers := r.settings.EnableCircuitBreaker
	r.mu.RUnlock()

	var selected []ClientConfig
	for _, c := range clients {
		if !c.Enabled || !c.SubscribesTo(eventType) {
			continue
		}
		if useBreakers && !r.breakers.Get(c.ID).Allow() {
			continue
		}
		selected = append(selected, c)
	}
	return selected
}

// Breaker returns the circuit breaker for a client id.
func (r *ClientRegistry) Breaker(clientID string) *circuitbreaker.Breaker {
	return r.breakers.Get(clientID)
}

// BreakerSnapshots returns all breaker snapshots for health reporting.
func (r *ClientRegistry) BreakerSnapshots() map[string]circuitbreaker.Snapshot {
	return r.breakers.Snapshots()
}

// Replace swaps the client list and settings in place, keeping breaker
// history for clients that survive the reload.
func (r *ClientRegistry) Replace(other *ClientRegistry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = other.clients
	r.settings = other.settings
}
