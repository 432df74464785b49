// Package pipeline drives a translation request through a fixed sequence of
// named stages. Middleware plugins wrap each stage as a chain, provider
// plugins are invoked where a stage needs a capability, and observer plugins
// receive lifecycle events. The orchestrator owns the TranslationContext for
// the lifetime of one request.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/plugin"
)

// Stage names, in execution order. The first three fixed stages of the
// engine are translation, validation and output; the earlier ones are
// open-ended labels middlewares bind to.
const (
	StagePreProcess  = "pre_process"
	StageDiffFilter  = "diff_filter"
	StageChunking    = "chunking"
	StageTranslation = "translation"
	StageValidation  = "validation"
	StageOutput      = "output"
)

// CapabilityMultiProvider names the provider plugin the translation stage
// delegates to.
const CapabilityMultiProvider = "translation.multi_provider"

// Lifecycle event names delivered to observers.
const (
	EventStarted   = "translation.started"
	EventCompleted = "translation.completed"
	EventError     = "translation.error"
)

// stageOrder is fixed at construction and never changes at runtime.
var stageOrder = []string{
	StagePreProcess,
	StageDiffFilter,
	StageChunking,
	StageTranslation,
	StageValidation,
	StageOutput,
}

// Orchestrator is safe for concurrent use across requests once constructed;
// the registry and resolved order are read-only after New returns.
type Orchestrator struct {
	registry *plugin.Registry
	order    []plugin.Plugin
	logger   *slog.Logger
}

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New resolves the plugin graph and wires the stage sequence. A dependency
// cycle or a missing translation provider is fatal here, before any request
// runs.
func New(registry *plugin.Registry, opts ...Option) (*Orchestrator, error) {
	order, err := registry.ResolveOrder()
	if err != nil {
		return nil, err
	}
	if _, err := registry.ProviderFor(CapabilityMultiProvider); err != nil {
		return nil, fmt.Errorf("pipeline: no translation provider registered: %w", err)
	}

	o := &Orchestrator{registry: registry, order: order}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Process runs the request and streams completed (locale, key) pairs as they
// become available, first-completed-first-yielded. The channel is single-pass
// and closes once the output stage finishes or the run aborts; errors are
// reported through the error event and the run's warnings.
func (o *Orchestrator) Process(ctx context.Context, req *internal.TranslationRequest) <-chan internal.TranslationOutput {
	out := make(chan internal.TranslationOutput)
	go func() {
		defer close(out)
		tc := internal.NewTranslationContext(req)
		tc.SetSink(func(t internal.TranslationOutput) {
			select {
			case out <- t:
			case <-ctx.Done():
			}
		})
		if err := o.run(ctx, tc); err != nil {
			o.logger.Error("pipeline run failed", "request", req.ID, "error", err)
		}
	}()
	return out
}

// Translate runs the request to completion and folds the context into a
// result. It fails only when zero usable translations exist or the
// configuration is invalid; partial results come back with warnings instead.
func (o *Orchestrator) Translate(ctx context.Context, req *internal.TranslationRequest) (*internal.TranslationResult, error) {
	tc := internal.NewTranslationContext(req)
	if err := o.run(ctx, tc); err != nil {
		return nil, err
	}
	return tc.Result(), nil
}

func (o *Orchestrator) run(ctx context.Context, tc *internal.TranslationContext) error {
	req := tc.Request
	if err := o.boot(ctx, tc); err != nil {
		o.notify(plugin.Event{Name: EventError, Payload: err})
		o.logger.Error("plugin boot failed", "request", req.ID, "error", err)
		return err
	}
	o.notify(plugin.Event{Name: EventStarted, Payload: req.ID})
	o.logger.Info("translation started",
		"request", req.ID, "locales", req.TargetLocales, "keys", len(req.Entries))

	for _, stage := range stageOrder {
		if err := ctx.Err(); err != nil {
			o.notify(plugin.Event{Name: EventError, Payload: err})
			return err
		}
		if err := o.runStage(ctx, stage, tc); err != nil {
			o.notify(plugin.Event{Name: EventError, Payload: err})
			o.logger.Error("stage failed", "request", req.ID, "stage", stage, "error", err)
			return err
		}
		o.notify(plugin.Event{Name: "stage." + stage + ".completed", Payload: req.ID})
	}

	o.notify(plugin.Event{Name: EventCompleted, Payload: req.ID})
	return nil
}

// boot gives every bootable plugin its once-per-run setup call, walking the
// resolved order so a plugin boots after everything it depends on.
func (o *Orchestrator) boot(ctx context.Context, tc *internal.TranslationContext) error {
	for _, p := range o.order {
		b, ok := p.(plugin.Bootable)
		if !ok {
			continue
		}
		if err := b.Boot(ctx, tc); err != nil {
			return fmt.Errorf("plugin %s boot failed: %w", p.Name(), err)
		}
	}
	return nil
}

// runStage composes the stage's middlewares around its terminal action using
// an index-based next closure; a middleware may short-circuit by not calling
// onward.
func (o *Orchestrator) runStage(ctx context.Context, stage string, tc *internal.TranslationContext) error {
	mws := o.registry.Middlewares(stage)

	var call func(idx int, ctx context.Context) error
	call = func(idx int, ctx context.Context) error {
		if idx == len(mws) {
			return o.terminal(ctx, stage, tc)
		}
		return mws[idx].Handle(ctx, tc, func(ctx context.Context) error {
			return call(idx+1, ctx)
		})
	}
	return call(0, ctx)
}

// terminal is the action at the end of a stage's chain. Only the translation
// and validation stages carry built-in behavior; the rest exist for
// middlewares alone.
func (o *Orchestrator) terminal(ctx context.Context, stage string, tc *internal.TranslationContext) error {
	switch stage {
	case StageTranslation:
		prov, err := o.registry.ProviderFor(CapabilityMultiProvider)
		if err != nil {
			return err
		}
		return prov.Provide(ctx, tc)
	case StageValidation:
		o.validate(tc)
		return nil
	default:
		return nil
	}
}

// validate enforces the coverage invariant: every requested key is either
// translated for a locale or named in the warnings, never silently absent.
func (o *Orchestrator) validate(tc *internal.TranslationContext) {
	warned := make(map[string]bool)
	for _, w := range tc.Warnings() {
		warned[w.Locale+"\x00"+w.Key] = true
	}

	keys := tc.Request.Keys()
	locales := append([]string(nil), tc.Request.TargetLocales...)
	sort.Strings(locales)

	for _, locale := range locales {
		for _, key := range keys {
			if _, ok := tc.Translation(locale, key); ok {
				continue
			}
			if warned[locale+"\x00"+key] {
				continue
			}
			tc.AddWarning(internal.Warning{
				Locale:  locale,
				Key:     key,
				Code:    internal.WarnMissingKey,
				Message: "key left untranslated",
			})
		}
	}
}

// notify delivers an event to every observer. Observers must not mutate
// pipeline state; a panic in one is the observer's bug, not absorbed here.
func (o *Orchestrator) notify(event plugin.Event) {
	for _, obs := range o.registry.Observers() {
		obs.Notify(event)
	}
}
