package router

import (
	"time"
)

// Strategy names how a route was intended to match; informational except
// for fallback handling.
type Strategy string

const (
	StrategyType     Strategy = "type"
	StrategySource   Strategy = "source"
	StrategyContent  Strategy = "content"
	StrategyHybrid   Strategy = "hybrid"
	StrategyDefault  Strategy = "default"
	StrategyFallback Strategy = "fallback"
)

var validStrategies = map[Strategy]bool{
	StrategyType: true, StrategySource: true, StrategyContent: true,
	StrategyHybrid: true, StrategyDefault: true, StrategyFallback: true,
}

// FallbackBehavior controls what happens when no route matches.
type FallbackBehavior string

const (
	FallbackRoute FallbackBehavior = "fallback"
	FallbackDrop  FallbackBehavior = "drop"
	FallbackError FallbackBehavior = "error"
)

// RoutingFile is the on-disk shape of the routing configuration.
type RoutingFile struct {
	Metadata MetadataConfig `yaml:"metadata"`
	Settings SettingsConfig `yaml:"settings"`
	Routes   []RouteConfig  `yaml:"routes"`
}

// MetadataConfig describes the configuration document.
type MetadataConfig struct {
	Version     string `yaml:"version"`
	LastUpdated string `yaml:"lastUpdated"`
	Description string `yaml:"description"`
}

// SettingsConfig carries router-wide settings.
type SettingsConfig struct {
	FallbackBehavior FallbackBehavior `yaml:"fallbackBehavior"`
	ValidateOnLoad   bool             `yaml:"validateOnLoad"`
	DynamicReload    bool             `yaml:"dynamicReload"`
	ReloadInterval   time.Duration    `yaml:"reloadInterval"`
	EnableMetrics    bool             `yaml:"enableMetrics"`
}

// RouteConfig is one declarative routing rule.
type RouteConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Enabled     bool              `yaml:"enabled"`
	Source      string            `yaml:"source"`
	Type        string            `yaml:"type"`
	Strategy    Strategy          `yaml:"strategy"`
	Priority    int               `yaml:"priority"`
	Condition   *ConditionConfig  `yaml:"condition"`
	Destination DestinationConfig `yaml:"destination"`
	Transform   *TransformHint    `yaml:"transform"`
	Retry       *RouteRetryConfig `yaml:"retry"`
}

// ConditionConfig is a content predicate: a structured field/operator/value
// triple, or a free-form boolean expression over the event.
type ConditionConfig struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
	// Expression, when set, replaces the structured predicate. Compiled
	// once at load.
	Expression string `yaml:"expression"`
}

// DestinationConfig names where matched events go.
type DestinationConfig struct {
	Type       string            `yaml:"type"` // http|queue|topic|gateway
	Method     string            `yaml:"method"`
	Endpoint   string            `yaml:"endpoint"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
	Exchange   string            `yaml:"exchange"`
	Queue      string            `yaml:"queue"`
	RoutingKey string            `yaml:"routingKey"`
}

// TransformHint optionally names a transformation to apply on the way out.
type TransformHint struct {
	Enabled bool              `yaml:"enabled"`
	Type    string            `yaml:"type"`
	Config  map[string]string `yaml:"config"`
}

// RouteRetryConfig overrides delivery retry behavior for a route.
type RouteRetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffMs   time.Duration `yaml:"backoffMs"`
}
