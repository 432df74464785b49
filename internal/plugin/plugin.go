// Package plugin holds the extension model of the pipeline: named units of
// behavior in three capability roles, a registry resolving their declared
// dependencies into a boot order, and per-tenant configuration overlays.
package plugin

import (
	"context"

	"github.com/tolmach-ai/tolmach/internal"
)

// Plugin is the common surface of every registered unit. A plugin is
// registered once at startup, booted once per pipeline run, and keeps no
// state between runs except through the TranslationContext.
type Plugin interface {
	// Name is the unique registry key.
	Name() string
	// Priority orders execution within a stage; lower runs first.
	Priority() int
	// DependsOn names plugins that must resolve before this one.
	DependsOn() []string
	// Config returns the plugin's global configuration.
	Config() map[string]any
}

// NextFunc continues the remaining middleware chain. A middleware may
// short-circuit by not calling it.
type NextFunc func(ctx context.Context) error

// Middleware wraps a pipeline stage. Each middleware receives the context
// and the rest of the chain; it may act before the call onward, after it
// returns, or both.
type Middleware interface {
	Plugin
	// Stage names the pipeline stage this middleware binds to.
	Stage() string
	Handle(ctx context.Context, tc *internal.TranslationContext, next NextFunc) error
}

// Provider exposes a named capability invoked directly by a stage.
type Provider interface {
	Plugin
	// Capability is the lookup key, e.g. "translation.multi_provider".
	Capability() string
	Provide(ctx context.Context, tc *internal.TranslationContext) error
}

// Event is a lifecycle notification. Observers receive copies and must not
// mutate pipeline state.
type Event struct {
	Name    string
	Locale  string
	Key     string
	Payload any
}

// Observer subscribes to lifecycle events.
type Observer interface {
	Plugin
	Notify(event Event)
}

// Bootable marks a plugin needing per-run setup. Boot runs once per pipeline
// run, in resolved dependency order, before the first stage; a boot failure
// aborts the run before any backend call.
type Bootable interface {
	Boot(ctx context.Context, tc *internal.TranslationContext) error
}

// Base carries the shared plugin fields so concrete plugins embed it
// instead of re-implementing the accessor set.
type Base struct {
	PluginName     string
	PluginPriority int
	Dependencies   []string
	Configuration  map[string]any
}

func (b Base) Name() string           { return b.PluginName }
func (b Base) Priority() int          { return b.PluginPriority }
func (b Base) DependsOn() []string    { return b.Dependencies }
func (b Base) Config() map[string]any { return b.Configuration }

// MergeConfig overlays override onto base without mutating either.
func MergeConfig(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
