package plugin

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tolmach-ai/tolmach/internal"
)

// Registry errors.
var (
	ErrNilPlugin       = errors.New("plugin: nil plugin")
	ErrDuplicatePlugin = errors.New("plugin: duplicate plugin name")
	ErrPluginNotFound  = errors.New("plugin: not found")
	ErrUnknownDep      = errors.New("plugin: dependency not registered")
)

// Registry holds the registered plugins. It is mutable during startup
// wiring only; after ResolveOrder it is treated as read-only and may be
// shared across concurrent requests.
type Registry struct {
	plugins map[string]Plugin
	tenants map[string]*tenantConfig
}

type tenantConfig struct {
	disabled  map[string]bool
	overrides map[string]map[string]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		tenants: make(map[string]*tenantConfig),
	}
}

// Register adds a plugin keyed by its name.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return ErrNilPlugin
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrNilPlugin)
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePlugin, name)
	}
	r.plugins[name] = p
	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}
	return p, nil
}

// Middlewares returns the middleware plugins bound to stage, in priority
// order (name as tiebreak).
func (r *Registry) Middlewares(stage string) []Middleware {
	var out []Middleware
	for _, p := range r.plugins {
		if mw, ok := p.(Middleware); ok && mw.Stage() == stage {
			out = append(out, mw)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// ProviderFor returns the provider plugin exposing the named capability.
func (r *Registry) ProviderFor(capability string) (Provider, error) {
	for _, p := range r.plugins {
		if prov, ok := p.(Provider); ok && prov.Capability() == capability {
			return prov, nil
		}
	}
	return nil, fmt.Errorf("%w: capability %q", ErrPluginNotFound, capability)
}

// Observers returns every observer plugin, priority-ordered.
func (r *Registry) Observers() []Observer {
	var out []Observer
	for _, p := range r.plugins {
		if obs, ok := p.(Observer); ok {
			out = append(out, obs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// ResolveOrder produces a deterministic topological ordering satisfying
// every plugin's dependency list. A dependency cycle is fatal and the
// returned error names its members.
func (r *Registry) ResolveOrder() ([]Plugin, error) {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := r.plugins[names[i]], r.plugins[names[j]]
		if pi.Priority() != pj.Priority() {
			return pi.Priority() < pj.Priority()
		}
		return names[i] < names[j]
	})

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var order []Plugin
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &internal.CircularDependencyError{Cycle: cycleFrom(stack, name)}
		}
		state[name] = visiting
		stack = append(stack, name)

		p := r.plugins[name]
		for _, dep := range p.DependsOn() {
			if _, ok := r.plugins[dep]; !ok {
				return fmt.Errorf("%w: %q (required by %q)", ErrUnknownDep, dep, name)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, p)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cycleFrom trims the visit stack to the segment forming the cycle and
// closes it with the repeated name.
func cycleFrom(stack []string, name string) []string {
	for i, n := range stack {
		if n == name {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name, name}
}

// SetTenant records per-tenant enable/disable flags and configuration
// overrides. Overrides shadow a plugin's global configuration without
// mutating the registered instance; resolution order stays
// tenant-independent.
func (r *Registry) SetTenant(tenant string, disabled []string, overrides map[string]map[string]any) {
	tc := &tenantConfig{
		disabled:  make(map[string]bool, len(disabled)),
		overrides: overrides,
	}
	for _, name := range disabled {
		tc.disabled[name] = true
	}
	r.tenants[tenant] = tc
}

// Enabled reports whether the plugin runs for the tenant. Unknown tenants
// see every plugin enabled.
func (r *Registry) Enabled(tenant, name string) bool {
	tc, ok := r.tenants[tenant]
	if !ok {
		return true
	}
	return !tc.disabled[name]
}

// TenantConfig returns the plugin's configuration with the tenant's
// overrides applied. The returned map is a copy.
func (r *Registry) TenantConfig(tenant, name string) (map[string]any, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	tc, ok := r.tenants[tenant]
	if !ok {
		return MergeConfig(p.Config(), nil), nil
	}
	return MergeConfig(p.Config(), tc.overrides[name]), nil
}
