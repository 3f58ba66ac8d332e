package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/logging"
)

// CompiledRoute is a route with its patterns and condition compiled.
type CompiledRoute struct {
	Config    RouteConfig
	source    *Pattern
	eventType *Pattern
	condition *compiledCondition
}

// Matches evaluates the route predicate against the event.
func (r *CompiledRoute) Matches(event *cloudevents.Event) bool {
	if !r.Config.Enabled {
		return false
	}
	if !r.source.Matches(event.Source) {
		return false
	}
	if !r.eventType.Matches(event.Type) {
		return false
	}
	if r.condition != nil && !r.condition.Evaluate(event) {
		return false
	}
	return true
}

// MatchResult is the outcome of route selection.
type MatchResult struct {
	Matched bool
	Route   *CompiledRoute
	// Reason names the unmatched source/type when no route matched.
	Reason string
}

// Engine selects the highest-priority matching route for an event. Routes
// are compiled and priority-sorted at load; selection is read-only and safe
// for concurrent use. Reload swaps the whole set atomically.
type Engine struct {
	mu       sync.RWMutex
	routes   []*CompiledRoute
	settings SettingsConfig
	metadata MetadataConfig

	loadPath   string
	reloadStop chan struct{}
	reloadOnce sync.Once
}

// NewEngine compiles a routing file into an engine.
func NewEngine(file *RoutingFile) (*Engine, error) {
	routes, err := compileRoutes(file.Routes)
	if err != nil {
		return nil, err
	}
	return &Engine{
		routes:   routes,
		settings: file.Settings,
		metadata: file.Metadata,
	}, nil
}

// compileRoutes compiles every route and orders them by priority
// descending. The sort is stable: equal priorities keep file order.
func compileRoutes(configs []RouteConfig) ([]*CompiledRoute, error) {
	routes := make([]*CompiledRoute, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		source, err := CompilePattern(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("route %s: source: %w", cfg.Name, err)
		}
		eventType, err := CompilePattern(cfg.Type)
		if err != nil {
			return nil, fmt.Errorf("route %s: type: %w", cfg.Name, err)
		}
		cr := &CompiledRoute{
			Config:    cfg,
			source:    source,
			eventType: eventType,
		}
		if cfg.Condition != nil {
			cond, err := compileCondition(cfg.Condition)
			if err != nil {
				return nil, fmt.Errorf("route %s: condition: %w", cfg.Name, err)
			}
			cr.condition = cond
		}
		routes = append(routes, cr)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Config.Priority > routes[j].Config.Priority
	})
	return routes, nil
}

// FindMatch returns the first matching route in priority order, or a
// no-match result naming the unmatched source and type.
func (e *Engine) FindMatch(event *cloudevents.Event) MatchResult {
	e.mu.RLock()
	routes := e.routes
	e.mu.RUnlock()

	for _, r := range routes {
		if r.Matches(event) {
			return MatchResult{Matched: true, Route: r}
		}
	}
	return MatchResult{
		Reason: fmt.Sprintf("no enabled route matches source %q type %q", event.Source, event.Type),
	}
}

// Settings returns the router-wide settings.
func (e *Engine) Settings() SettingsConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Routes returns the compiled routes in selection order.
func (e *Engine) Routes() []*CompiledRoute {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*CompiledRoute, len(e.routes))
	copy(out, e.routes)
	return out
}

// Replace swaps in a newly loaded routing file.
func (e *Engine) Replace(file *RoutingFile) error {
	routes, err := compileRoutes(file.Routes)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.routes = routes
	e.settings = file.Settings
	e.metadata = file.Metadata
	e.mu.Unlock()
	return nil
}

// StartDynamicReload periodically re-reads the routing file when
// settings.dynamicReload is set. A failed reload keeps the last good set.
func (e *Engine) StartDynamicReload(path string) {
	e.mu.RLock()
	settings := e.settings
	e.mu.RUnlock()

	if !settings.DynamicReload {
		return
	}
	interval := settings.ReloadInterval
	if interval <= 0 {
		interval = time.Minute
	}

	e.loadPath = path
	e.reloadStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.reloadFromFile()
			case <-e.reloadStop:
				return
			}
		}
	}()
}

func (e *Engine) reloadFromFile() {
	file, err := LoadRoutingFile(e.loadPath)
	if err != nil {
		logging.Error("routing config reload failed", zap.Error(err))
		return
	}
	if err := e.Replace(file); err != nil {
		logging.Error("routing config reload rejected", zap.Error(err))
		return
	}
	logging.Info("routing configuration reloaded",
		zap.String("path", e.loadPath),
		zap.Int("routes", len(file.Routes)),
	)
}

// StopDynamicReload stops the periodic reload loop.
func (e *Engine) StopDynamicReload() {
	if e.reloadStop == nil {
		return
	}
	e.reloadOnce.Do(func() { close(e.reloadStop) })
}
