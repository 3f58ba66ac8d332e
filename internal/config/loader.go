package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validExchangeTypes = map[string]bool{
	"topic": true, "direct": true, "fanout": true, "headers": true,
}

// Loader handles service configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.Broker.Reconnect.ApplyDefaults()
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if !strings.HasPrefix(cfg.Broker.URL, "amqp://") && !strings.HasPrefix(cfg.Broker.URL, "amqps://") {
		return fmt.Errorf("broker.url must start with amqp:// or amqps://")
	}

	if len(cfg.Consumers) == 0 {
		return fmt.Errorf("at least one consumer is required")
	}

	names := make(map[string]bool)
	queues := make(map[string]bool)
	for i, c := range cfg.Consumers {
		if c.Name == "" {
			return fmt.Errorf("consumer %d: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate consumer name: %s", c.Name)
		}
		names[c.Name] = true

		if c.Queue == "" {
			return fmt.Errorf("consumer %s: queue is required", c.Name)
		}
		if queues[c.Queue] {
			return fmt.Errorf("consumer %s: queue %s already bound by another consumer", c.Name, c.Queue)
		}
		queues[c.Queue] = true

		if c.Exchange == "" {
			return fmt.Errorf("consumer %s: exchange is required", c.Name)
		}
		if c.ExchangeType != "" && !validExchangeTypes[c.ExchangeType] {
			return fmt.Errorf("consumer %s: invalid exchange_type %q (must be topic, direct, fanout, or headers)", c.Name, c.ExchangeType)
		}
		if c.RoutingPattern == "" {
			return fmt.Errorf("consumer %s: routing_pattern is required", c.Name)
		}
		if c.Prefetch < 0 {
			return fmt.Errorf("consumer %s: prefetch must be >= 0", c.Name)
		}
		if c.Parallel.Enabled && c.Parallel.MaxParallel < 1 {
			return fmt.Errorf("consumer %s: parallel.max_parallel must be >= 1 when enabled", c.Name)
		}
		if c.Dedup.Window < 0 {
			return fmt.Errorf("consumer %s: deduplication.window must be >= 0", c.Name)
		}
		if c.QueueArgs.MaxLength < 0 {
			return fmt.Errorf("consumer %s: queue_args.max_length must be >= 0", c.Name)
		}
	}

	if cfg.Bridge.Enabled {
		if cfg.Bridge.DefaultEndpoint == "" {
			return fmt.Errorf("bridge.default_endpoint is required when bridge is enabled")
		}
		if cfg.Bridge.MaxRetries < 0 {
			return fmt.Errorf("bridge.max_retries must be >= 0")
		}
	} else {
		// Fan-out mode needs the clients and rules files.
		if cfg.ClientsConfigPath == "" {
			return fmt.Errorf("clients_config is required when bridge is disabled")
		}
		if cfg.RulesDir == "" {
			return fmt.Errorf("rules_dir is required when bridge is disabled")
		}
	}

	if cfg.RoutingConfigPath == "" {
		return fmt.Errorf("routing_config is required")
	}

	return nil
}
