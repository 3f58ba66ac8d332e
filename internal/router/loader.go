package router

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/logging"
)

// LoadRoutingFile reads, parses, and validates the routing YAML file.
func LoadRoutingFile(path string) (*RoutingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}
	return ParseRoutingFile(data)
}

// ParseRoutingFile parses and validates routing configuration from YAML.
func ParseRoutingFile(data []byte) (*RoutingFile, error) {
	var file RoutingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse routing YAML: %w", err)
	}
	if err := validateRoutingFile(&file); err != nil {
		return nil, fmt.Errorf("routing config validation failed: %w", err)
	}
	return &file, nil
}

func validateRoutingFile(file *RoutingFile) error {
	if file.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if file.Metadata.LastUpdated == "" {
		return fmt.Errorf("metadata.lastUpdated is required")
	}
	if file.Metadata.Description == "" {
		return fmt.Errorf("metadata.description is required")
	}

	switch file.Settings.FallbackBehavior {
	case FallbackRoute, FallbackDrop, FallbackError:
	case "":
		return fmt.Errorf("settings.fallbackBehavior is required")
	default:
		return fmt.Errorf("settings.fallbackBehavior must be fallback, drop, or error")
	}
	if file.Settings.DynamicReload && file.Settings.ReloadInterval <= 0 {
		return fmt.Errorf("settings.reloadInterval must be > 0 when dynamicReload is enabled")
	}

	if len(file.Routes) == 0 {
		return fmt.Errorf("routes must be a non-empty list")
	}

	names := make(map[string]bool)
	anyEnabled := false
	hasFallback := false
	for i, r := range file.Routes {
		if r.Name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate route name: %s", r.Name)
		}
		names[r.Name] = true

		if r.Enabled {
			anyEnabled = true
		}
		if r.Priority < 0 || r.Priority > 10 {
			return fmt.Errorf("route %s: priority must be between 0 and 10", r.Name)
		}
		if r.Strategy != "" && !validStrategies[r.Strategy] {
			return fmt.Errorf("route %s: invalid strategy %q", r.Name, r.Strategy)
		}

		switch r.Destination.Type {
		case "http", "gateway":
			if r.Destination.Endpoint == "" {
				return fmt.Errorf("route %s: %s destination requires endpoint", r.Name, r.Destination.Type)
			}
		case "queue", "topic":
			if r.Destination.Queue == "" {
				return fmt.Errorf("route %s: %s destination requires queue", r.Name, r.Destination.Type)
			}
		case "":
			return fmt.Errorf("route %s: destination.type is required", r.Name)
		default:
			return fmt.Errorf("route %s: invalid destination type %q", r.Name, r.Destination.Type)
		}

		if r.Condition != nil && r.Condition.Expression == "" {
			if _, err := compileCondition(r.Condition); err != nil {
				return fmt.Errorf("route %s: condition: %w", r.Name, err)
			}
		}

		// "#" is the AMQP multi-segment wildcard; the router treats it as a
		// literal. Surface likely misconfiguration at load time.
		if strings.Contains(r.Source, "#") || strings.Contains(r.Type, "#") {
			logging.Warn("route pattern contains '#', which matches literally; use '*' for wildcards",
				zap.String("route", r.Name),
			)
		}

		if r.Strategy == StrategyFallback && r.Priority == 0 && r.Source == "*" && r.Type == "*" {
			hasFallback = true
		}
	}

	if !anyEnabled {
		return fmt.Errorf("at least one route must be enabled")
	}
	if !hasFallback && file.Settings.FallbackBehavior == FallbackRoute {
		logging.Warn("no fallback route (priority 0, source/type '*') defined; unmatched events will be dropped or errored")
	}

	return nil
}
