// Package internal holds the shared data model of the translation engine:
// requests, pipeline context, decoded items, token usage and warnings.
package internal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SourceEntry is one source string to translate. Context disambiguates
// short or ambiguous keys; References carries already-approved translations
// per target locale for the prompt to anchor on.
type SourceEntry struct {
	Text       string            `json:"text"`
	Context    string            `json:"context,omitempty"`
	References map[string]string `json:"references,omitempty"`
}

// TranslationRequest is the immutable input of one engine invocation.
// It is created once per call and never mutated afterwards.
type TranslationRequest struct {
	ID            string                 `json:"id"`
	SourceLocale  string                 `json:"source_locale"`
	TargetLocales []string               `json:"target_locales"`
	Entries       map[string]SourceEntry `json:"entries"`
	Options       map[string]string      `json:"options,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// NewTranslationRequest assigns an ID and timestamp to a request.
func NewTranslationRequest(sourceLocale string, targetLocales []string, entries map[string]SourceEntry) *TranslationRequest {
	return &TranslationRequest{
		ID:            uuid.NewString(),
		SourceLocale:  sourceLocale,
		TargetLocales: targetLocales,
		Entries:       entries,
		Options:       map[string]string{},
		CreatedAt:     time.Now(),
	}
}

// Keys returns the source key set in stable (sorted) order.
func (r *TranslationRequest) Keys() []string {
	keys := make([]string, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LocalizedItem is one decoded translation unit emitted by the streaming
// decoder: a key, its translated text and an optional backend comment.
type LocalizedItem struct {
	Key     string `json:"key"`
	Text    string `json:"text"`
	Comment string `json:"comment,omitempty"`
}

// TokenUsage carries input/output token counts for one call or for a whole
// request. Final distinguishes an authoritative end-of-call total from an
// in-flight partial estimate.
type TokenUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Final        bool `json:"final"`
}

// Warning codes accumulated during a pipeline run.
const (
	WarnMissingKey     = "missing_key"
	WarnExtraKey       = "extra_key"
	WarnEmptyItem      = "empty_item"
	WarnPlaceholder    = "placeholder_lost"
	WarnWrongLanguage  = "wrong_language"
	WarnJudgeFallback  = "judge_fallback"
	WarnProviderFailed = "provider_failed"
)

// Warning is a non-fatal problem recorded during processing and returned
// alongside the result instead of being thrown.
type Warning struct {
	Locale  string `json:"locale,omitempty"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TranslationOutput is one completed key/locale pair yielded by the
// orchestrator as it becomes available. Consumers must not assume source
// key order across providers.
type TranslationOutput struct {
	Locale   string `json:"locale"`
	Key      string `json:"key"`
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// TranslationResult is the folded outcome of a pipeline run.
type TranslationResult struct {
	Translations map[string]map[string]string `json:"translations"`
	Usage        TokenUsage                   `json:"usage"`
	Warnings     []Warning                    `json:"warnings,omitempty"`
}

// TranslationContext is the mutable, pipeline-scoped state. It is created
// at pipeline start, owned by the orchestrator for the lifetime of one
// request and discarded afterwards. Concurrent units write through the
// locked setters; each (locale, key) slot is written whole or not at all.
type TranslationContext struct {
	Request *TranslationRequest

	mu           sync.Mutex
	translations map[string]map[string]string
	providers    map[string]map[string]string
	cached       map[string]map[string]bool
	warnings     []Warning
	pluginData   map[string]map[string]any
	usage        TokenUsage
	sink         func(TranslationOutput)
}

// SetSink attaches the consumer the orchestrator streams completed outputs
// to. Attached once per run, before any stage executes.
func (c *TranslationContext) SetSink(sink func(TranslationOutput)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Yield forwards one completed (locale, key) pair to the attached sink, if
// any. Outputs arrive first-completed-first-yielded across providers.
func (c *TranslationContext) Yield(out TranslationOutput) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(out)
	}
}

// NewTranslationContext builds the per-request context.
func NewTranslationContext(req *TranslationRequest) *TranslationContext {
	return &TranslationContext{
		Request:      req,
		translations: make(map[string]map[string]string),
		providers:    make(map[string]map[string]string),
		cached:       make(map[string]map[string]bool),
		pluginData:   make(map[string]map[string]any),
	}
}

// SetTranslation records the chosen text for one (locale, key) slot.
func (c *TranslationContext) SetTranslation(locale, key, text, provider string, cached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.translations[locale] == nil {
		c.translations[locale] = make(map[string]string)
		c.providers[locale] = make(map[string]string)
		c.cached[locale] = make(map[string]bool)
	}
	c.translations[locale][key] = text
	c.providers[locale][key] = provider
	c.cached[locale][key] = cached
}

// Translation returns the text recorded for a (locale, key) slot.
func (c *TranslationContext) Translation(locale, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.translations[locale][key]
	return text, ok
}

// Provider returns the provider that produced a (locale, key) slot.
func (c *TranslationContext) Provider(locale, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers[locale][key]
}

// Cached reports whether a (locale, key) slot was served from cache.
func (c *TranslationContext) Cached(locale, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached[locale][key]
}

// Translations returns a deep copy of the accumulated locale→key→text map.
func (c *TranslationContext) Translations() map[string]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]string, len(c.translations))
	for locale, m := range c.translations {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[locale] = cp
	}
	return out
}

// AddWarning appends a warning to the context.
func (c *TranslationContext) AddWarning(w Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, w)
}

// AddWarnings appends a batch of warnings.
func (c *TranslationContext) AddWarnings(ws []Warning) {
	if len(ws) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, ws...)
}

// Warnings returns a copy of the accumulated warnings.
func (c *TranslationContext) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Warning, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// PluginData returns the side-channel map owned by the named plugin,
// creating it on first use.
func (c *TranslationContext) PluginData(plugin string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pluginData[plugin]
	if !ok {
		m = make(map[string]any)
		c.pluginData[plugin] = m
	}
	return m
}

// SetUsage stores the running token usage snapshot.
func (c *TranslationContext) SetUsage(u TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = u
}

// Usage returns the last recorded token usage snapshot.
func (c *TranslationContext) Usage() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Result folds the context into an immutable TranslationResult.
func (c *TranslationContext) Result() *TranslationResult {
	return &TranslationResult{
		Translations: c.Translations(),
		Usage:        c.Usage(),
		Warnings:     c.Warnings(),
	}
}
