// Package registry owns module lifecycle for the courierkeys server:
// registration, dependency ordering, init, start and reverse-order stop.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/pkg/plugin"
)

// Registry manages the lifecycle of all registered modules.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	order    []string // dependency order, set by Validate
	disabled map[string]bool
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a module. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Validate checks API versions and dependencies, disables optional modules
// that cannot run, and computes the start order. A required module that
// cannot run is an error.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		if err := r.checkAPIVersion(name, r.infos[name].APIVersion); err != nil {
			if err := r.disable(name, err); err != nil {
				return err
			}
		}
	}

	for _, name := range r.sortedNames() {
		for _, dep := range r.infos[name].Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				if err := r.disable(name, fmt.Errorf("plugin %q depends on %q which is not registered", name, dep)); err != nil {
					return err
				}
				break
			}
		}
	}

	// Propagate disablement to dependents until nothing changes.
	for changed := true; changed; {
		changed = false
		for _, name := range r.sortedNames() {
			if r.disabled[name] {
				continue
			}
			for _, dep := range r.infos[name].Dependencies {
				if r.disabled[dep] {
					if err := r.disable(name, fmt.Errorf("plugin %q depends on %q which is disabled", name, dep)); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
	}

	order, err := r.topologicalSort()
	if err != nil {
		return err
	}
	r.order = order

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", r.order),
		zap.Int("active", len(r.order)),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

// disable marks an optional module disabled, or returns reason for a
// required one. Must be called with r.mu held.
func (r *Registry) disable(name string, reason error) error {
	if r.infos[name].Required {
		return reason
	}
	if !r.disabled[name] {
		r.logger.Warn("disabling plugin", zap.String("name", name), zap.Error(reason))
		r.disabled[name] = true
	}
	return nil
}

// InitAll initializes active modules in dependency order.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		r.logger.Info("initializing plugin", zap.String("name", name))
		if err := guard(name, "Init", func() error { return r.plugins[name].Init(ctx, depsFn(name)) }); err != nil {
			if err := r.disable(name, fmt.Errorf("plugin %q failed to initialize: %w", name, err)); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartAll starts initialized modules in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := guard(name, "Start", func() error { return r.plugins[name].Start(ctx) }); err != nil {
			if err := r.disable(name, fmt.Errorf("plugin %q failed to start: %w", name, err)); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll stops active modules in reverse dependency order. Stop errors
// are logged and do not prevent later modules from stopping.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range slices.Backward(r.order) {
		if r.disabled[name] {
			continue
		}
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := guard(name, "Stop", func() error { return r.plugins[name].Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns an active module by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// Resolve implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns active modules that declare role.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []plugin.Plugin
	for _, name := range r.order {
		if !r.disabled[name] && slices.Contains(r.infos[name].Roles, role) {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// All returns active modules in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// AllRoutes returns routes from active modules implementing HTTPProvider,
// keyed by module name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// IsDisabled reports whether a module has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// guard runs a lifecycle hook and turns a panic into an error.
func guard(name, stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked during %s: %v", name, stage, rec)
		}
	}()
	return fn()
}

func (r *Registry) checkAPIVersion(name string, apiVersion int) error {
	switch {
	case apiVersion < plugin.APIVersionMin:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server requires v%d or newer",
			name, apiVersion, plugin.APIVersionMin)
	case apiVersion > plugin.APIVersionCurrent:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server only supports up to v%d",
			name, apiVersion, plugin.APIVersionCurrent)
	case apiVersion < plugin.APIVersionCurrent:
		r.logger.Warn("plugin targets an older Plugin API",
			zap.String("name", name),
			zap.Int("api_version", apiVersion),
			zap.Int("current", plugin.APIVersionCurrent),
		)
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// topologicalSort orders active modules with Kahn's algorithm. Ties are
// broken by name so the order is stable across runs.
func (r *Registry) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range r.sortedNames() {
		if r.disabled[name] {
			continue
		}
		n := 0
		for _, dep := range r.infos[name].Dependencies {
			if !r.disabled[dep] {
				n++
				dependents[dep] = append(dependents[dep], name)
			}
		}
		inDegree[name] = n
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	slices.Sort(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		var ready []string
		for _, d := range dependents[name] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		slices.Sort(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(inDegree) {
		var cycled []string
		for name, degree := range inDegree {
			if degree > 0 {
				cycled = append(cycled, name)
			}
		}
		slices.Sort(cycled)
		return nil, fmt.Errorf("dependency cycle detected among plugins: %v", cycled)
	}
	return order, nil
}
