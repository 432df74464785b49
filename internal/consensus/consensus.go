// Package consensus fans a locale's translation out to one or more backends
// and selects a single text per key. With multiple surviving candidates a
// designated judge backend ranks them; when the judge fails or its reply
// cannot be parsed, a deterministic fallback policy decides instead.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/backend"
	"github.com/tolmach-ai/tolmach/internal/decoder"
	"github.com/tolmach-ai/tolmach/internal/detector"
	"github.com/tolmach-ai/tolmach/internal/postprocess"
	"github.com/tolmach-ai/tolmach/internal/prompt"
	"github.com/tolmach-ai/tolmach/internal/tokenusage"
	"github.com/tolmach-ai/tolmach/internal/verify"
)

// State tracks a single locale through the engine.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateConsensus State = "CONSENSUS"
	StateDirect    State = "DIRECT"
	StateResolved  State = "RESOLVED"
	StateFailed    State = "FAILED"
)

// Candidate is one provider's surviving translation for a key.
type Candidate struct {
	Provider string
	Text     string
	Comment  string
}

// FallbackPolicy picks a candidate index when the judge cannot. It must be
// deterministic for a given candidate slice.
type FallbackPolicy func(candidates []Candidate) int

// FallbackLongest selects the candidate with the greatest character length,
// lowest index on ties. Reproducible, not a quality heuristic.
func FallbackLongest(candidates []Candidate) int {
	best := 0
	for i, c := range candidates {
		if len(c.Text) > len(candidates[best].Text) {
			best = i
		}
	}
	return best
}

// Resolution is the selected translation for one key.
type Resolution struct {
	Key      string
	Text     string
	Comment  string
	Provider string
	// Method is "direct", "judge" or "fallback".
	Method string
}

// Events receives progress callbacks during a locale run. Any field may be
// nil. Callbacks may fire from the goroutine driving a provider unit.
type Events struct {
	ItemTranslated  func(locale, key, text, provider string)
	RawChunk        func(locale, provider, delta string)
	ReasoningStart  func(locale, provider string)
	ReasoningDelta  func(locale, provider, delta string)
	ReasoningEnd    func(locale, provider string)
	PromptGenerated func(locale, provider, system, user string)
}

// Auditor persists consensus decisions for later inspection.
type Auditor interface {
	RecordDecision(ctx context.Context, locale, key string, candidates []Candidate, chosen int, method string) error
}

// DefaultFixedTemperatureModels lists model identifier prefixes whose APIs
// reject arbitrary sampling temperatures and accept only the default.
var DefaultFixedTemperatureModels = []string{"o1", "o3", "o4", "gpt-5"}

// Config parameterizes the engine.
type Config struct {
	// Providers are the backends consulted for every key.
	Providers []backend.ProviderConfig
	// Judge ranks candidates when more than one survives. Nil means the
	// fallback policy decides contested keys directly.
	Judge *backend.ProviderConfig

	// Parallel launches one unit per provider concurrently; otherwise
	// providers run one at a time.
	Parallel bool

	// FallbackOnFailure downgrades a failed provider to a warning and
	// excludes it from candidates. When false, any provider failure fails
	// the whole locale.
	FallbackOnFailure bool

	// SourceLocale names the language of the source entries; empty or
	// "auto" lets the backends detect it.
	SourceLocale string

	// KeyPrefix disambiguates short keys across source files. It is
	// prepended as "<prefix>/" before dispatch and stripped on the way back.
	KeyPrefix string

	// Retry bounds each provider unit's verification loop.
	Retry verify.Config

	// Fallback decides contested keys when the judge fails. Defaults to
	// FallbackLongest.
	Fallback FallbackPolicy

	// FixedTemperatureModels forces temperature 1.0 for matching model
	// identifiers before dispatch. Defaults to
	// DefaultFixedTemperatureModels.
	FixedTemperatureModels []string

	TargetDetector *detector.Detector

	Events  Events
	Auditor Auditor
	Logger  *slog.Logger

	// Factory builds backends from provider configs. Defaults to
	// backend.New; tests substitute scripted backends here.
	Factory func(backend.ProviderConfig) (backend.Backend, error)
}

// Engine resolves one locale at a time. Safe for concurrent use across
// locales once constructed.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New validates defaults and returns an Engine.
func New(cfg Config) *Engine {
	if cfg.Fallback == nil {
		cfg.Fallback = FallbackLongest
	}
	if cfg.FixedTemperatureModels == nil {
		cfg.FixedTemperatureModels = DefaultFixedTemperatureModels
	}
	if cfg.Factory == nil {
		cfg.Factory = backend.New
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// unitResult is one provider's contribution, written only by the goroutine
// that drove the call and merged after it completes.
type unitResult struct {
	index    int
	provider string
	items    []internal.LocalizedItem
	warnings []internal.Warning
	err      error
}

// TranslateLocale runs every configured provider for one locale and resolves
// a single text per key. The returned map never contains a key absent from
// sources. A nil error with warnings is a best-effort success; an error means
// no usable candidate existed for the locale.
func (e *Engine) TranslateLocale(ctx context.Context, locale string, sources map[string]internal.SourceEntry, rules []string, acc *tokenusage.Accumulator) (map[string]Resolution, []internal.Warning, error) {
	if len(e.cfg.Providers) == 0 {
		return nil, nil, &internal.UnconfiguredProviderError{Vendor: "(none)"}
	}

	state := StatePending
	e.setState(locale, &state, StateRunning)

	results := e.dispatch(ctx, locale, sources, rules, acc)

	var warnings []internal.Warning
	candidates := make(map[string][]Candidate)
	succeeded := 0

	for _, ur := range results {
		if ur.err != nil {
			if !e.cfg.FallbackOnFailure {
				e.setState(locale, &state, StateFailed)
				return nil, warnings, fmt.Errorf("provider %s failed for locale %s: %w", ur.provider, locale, ur.err)
			}
			warnings = append(warnings, internal.Warning{
				Locale:  locale,
				Code:    internal.WarnProviderFailed,
				Message: fmt.Sprintf("provider %s excluded: %v", ur.provider, ur.err),
			})
			continue
		}
		succeeded++
		warnings = append(warnings, ur.warnings...)
		for _, item := range ur.items {
			candidates[item.Key] = append(candidates[item.Key], Candidate{
				Provider: ur.provider,
				Text:     item.Text,
				Comment:  item.Comment,
			})
		}
	}

	if succeeded == 0 || len(candidates) == 0 {
		e.setState(locale, &state, StateFailed)
		return nil, warnings, fmt.Errorf("no usable candidate for locale %s", locale)
	}

	contested := 0
	for _, cs := range candidates {
		if len(cs) > 1 {
			contested++
		}
	}
	if contested > 0 {
		e.setState(locale, &state, StateConsensus)
	} else {
		e.setState(locale, &state, StateDirect)
	}

	resolutions := make(map[string]Resolution, len(candidates))
	for _, key := range sortedKeys(candidates) {
		res, warn := e.resolve(ctx, locale, key, sources[key].Text, candidates[key], acc)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		resolutions[key] = res
		if e.cfg.Events.ItemTranslated != nil {
			e.cfg.Events.ItemTranslated(locale, key, res.Text, res.Provider)
		}
	}

	e.setState(locale, &state, StateResolved)
	return resolutions, warnings, nil
}

// dispatch runs one unit per provider, concurrently in parallel mode. Each
// unit owns its own decoder and usage unit; results meet on a buffered
// channel sized to the provider count. Sequential mode stops early once a
// verified result exists and no judge is configured to compare against.
func (e *Engine) dispatch(ctx context.Context, locale string, sources map[string]internal.SourceEntry, rules []string, acc *tokenusage.Accumulator) []unitResult {
	configs := make([]backend.ProviderConfig, len(e.cfg.Providers))
	for i, pc := range e.cfg.Providers {
		configs[i] = e.applyTemperatureOverride(pc)
	}

	out := make(chan unitResult, len(configs))

	if e.cfg.Parallel {
		var wg sync.WaitGroup
		for i, pc := range configs {
			wg.Add(1)
			go func(index int, pc backend.ProviderConfig) {
				defer wg.Done()
				out <- e.runUnit(ctx, index, pc, locale, sources, rules, acc)
			}(i, pc)
		}
		wg.Wait()
	} else {
		for i, pc := range configs {
			ur := e.runUnit(ctx, i, pc, locale, sources, rules, acc)
			out <- ur
			// With no judge there is nothing to arbitrate: the first
			// verified result wins and the remaining providers are skipped.
			if ur.err == nil && e.cfg.Judge == nil {
				break
			}
		}
	}
	close(out)

	results := make([]unitResult, 0, len(configs))
	for ur := range out {
		results = append(results, ur)
	}
	// Merge order is the configuration order regardless of completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	return results
}

// runUnit drives one provider through the retry loop. Every attempt gets a
// fresh decoder; items from a failed or timed-out attempt are discarded with
// it rather than merged.
func (e *Engine) runUnit(ctx context.Context, index int, pc backend.ProviderConfig, locale string, sources map[string]internal.SourceEntry, rules []string, acc *tokenusage.Accumulator) unitResult {
	label := pc.Label()
	ur := unitResult{index: index, provider: label}

	be, err := e.cfg.Factory(pc)
	if err != nil {
		ur.err = err
		return ur
	}

	in := e.promptInputs(locale, sources, rules)
	system := prompt.System(in)
	user := prompt.User(in)
	if e.cfg.Events.PromptGenerated != nil {
		e.cfg.Events.PromptGenerated(locale, label, system, user)
	}

	req := backend.Request{
		System:       system,
		User:         user,
		SourceLocale: in.SourceLocale,
		TargetLocale: locale,
		Items:        prompt.BackendItems(in),
	}

	attempt := func(ctx context.Context) ([]internal.LocalizedItem, error) {
		if pc.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pc.Timeout)
			defer cancel()
		}

		var items []internal.LocalizedItem
		dec := decoder.New(decoder.Handlers{
			Item: func(item internal.LocalizedItem) { items = append(items, item) },
			ReasoningStart: func() {
				if e.cfg.Events.ReasoningStart != nil {
					e.cfg.Events.ReasoningStart(locale, label)
				}
			},
			ReasoningDelta: func(delta string) {
				if e.cfg.Events.ReasoningDelta != nil {
					e.cfg.Events.ReasoningDelta(locale, label, delta)
				}
			},
			ReasoningEnd: func() {
				if e.cfg.Events.ReasoningEnd != nil {
					e.cfg.Events.ReasoningEnd(locale, label)
				}
			},
		})

		unit := acc.Unit()
		var inTok, outTok int
		resp, err := be.Invoke(ctx, req, backend.StreamHandler{
			Text: func(delta string) {
				dec.Feed(delta)
				if e.cfg.Events.RawChunk != nil {
					e.cfg.Events.RawChunk(locale, label, delta)
				}
			},
			Usage: func(in, out int, final bool) {
				if final {
					inTok, outTok = in, out
					unit.Finalize(in, out)
					return
				}
				inTok += in
				outTok += out
				unit.Add(in, out)
			},
		})
		if err != nil {
			unit.Finalize(inTok, outTok)
			return nil, err
		}
		if resp.InputTokens > 0 || resp.OutputTokens > 0 {
			unit.Finalize(resp.InputTokens, resp.OutputTokens)
		} else {
			unit.Finalize(inTok, outTok)
		}

		// Non-streaming fallback over the cleaned full text; already-seen
		// keys are not re-emitted.
		dec.Flush(postprocess.Clean(resp.Text))
		return items, nil
	}

	cfg := e.cfg.Retry
	cfg.KeyPrefix = e.cfg.KeyPrefix
	cfg.TargetLocale = locale
	cfg.Detector = e.cfg.TargetDetector
	cfg.Logger = e.logger

	res, err := verify.Run(ctx, cfg, sources, attempt)
	if err != nil {
		ur.err = err
		return ur
	}
	ur.items = res.Items
	ur.warnings = res.Warnings
	return ur
}

// resolve picks the final text for one key. A lone candidate wins directly;
// otherwise the judge ranks them, and the fallback policy decides when the
// judge fails or replies with something unparseable.
func (e *Engine) resolve(ctx context.Context, locale, key, source string, cs []Candidate, acc *tokenusage.Accumulator) (Resolution, *internal.Warning) {
	if len(cs) == 1 {
		e.audit(ctx, locale, key, cs, 0, "direct")
		return resolution(key, cs[0], "direct"), nil
	}

	chosen, err := e.consult(ctx, locale, key, source, cs, acc)
	if err == nil {
		e.audit(ctx, locale, key, cs, chosen, "judge")
		return resolution(key, cs[chosen], "judge"), nil
	}

	chosen = e.cfg.Fallback(cs)
	e.logger.Warn("judge unavailable, falling back",
		"locale", locale, "key", key, "candidates", len(cs), "error", err)
	e.audit(ctx, locale, key, cs, chosen, "fallback")
	warn := &internal.Warning{
		Locale:  locale,
		Key:     key,
		Code:    internal.WarnJudgeFallback,
		Message: fmt.Sprintf("judge did not select a candidate (%v); fallback chose %s", err, cs[chosen].Provider),
	}
	return resolution(key, cs[chosen], "fallback"), warn
}

func resolution(key string, c Candidate, method string) Resolution {
	return Resolution{Key: key, Text: c.Text, Comment: c.Comment, Provider: c.Provider, Method: method}
}

// consult formats the comparison prompt, invokes the judge once and parses a
// numeric selection from its reply.
func (e *Engine) consult(ctx context.Context, locale, key, source string, cs []Candidate, acc *tokenusage.Accumulator) (int, error) {
	if e.cfg.Judge == nil {
		return 0, &internal.JudgeParseError{Reply: "(no judge configured)"}
	}

	jc := e.applyTemperatureOverride(*e.cfg.Judge)
	judge, err := e.cfg.Factory(jc)
	if err != nil {
		return 0, err
	}

	system, user := judgePrompt(locale, source, cs)
	if e.cfg.Events.PromptGenerated != nil {
		e.cfg.Events.PromptGenerated(locale, jc.Label(), system, user)
	}

	jctx := ctx
	if jc.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, jc.Timeout)
		defer cancel()
	}

	unit := acc.Unit()
	var inTok, outTok int
	resp, err := judge.Invoke(jctx, backend.Request{
		System:       system,
		User:         user,
		TargetLocale: locale,
	}, backend.StreamHandler{
		Usage: func(in, out int, final bool) {
			if final {
				inTok, outTok = in, out
				return
			}
			inTok += in
			outTok += out
		},
	})
	if err != nil {
		unit.Finalize(inTok, outTok)
		return 0, err
	}
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		unit.Finalize(resp.InputTokens, resp.OutputTokens)
	} else {
		unit.Finalize(inTok, outTok)
	}

	return parseSelection(resp.Text, len(cs))
}

var selectionRe = regexp.MustCompile(`\d+`)

// parseSelection extracts the first integer from the cleaned judge reply and
// converts it to a zero-based candidate index.
func parseSelection(reply string, n int) (int, error) {
	cleaned := postprocess.Clean(reply)
	match := selectionRe.FindString(cleaned)
	if match == "" {
		return 0, &internal.JudgeParseError{Reply: cleaned}
	}
	sel, err := strconv.Atoi(match)
	if err != nil || sel < 1 || sel > n {
		return 0, &internal.JudgeParseError{Reply: cleaned}
	}
	return sel - 1, nil
}

// judgePrompt lists the candidates with a one-based index and provider label
// and asks for the index alone.
func judgePrompt(locale, source string, cs []Candidate) (system, user string) {
	system = "You are a professional translation evaluator. You will be shown a source text and numbered candidate translations. Reply with the number of the best candidate and nothing else."

	var sb strings.Builder
	fmt.Fprintf(&sb, "Source text:\n%s\n\nCandidate translations into %s:\n", source, locale)
	for i, c := range cs {
		fmt.Fprintf(&sb, "%d. [%s]: %s\n", i+1, c.Provider, c.Text)
	}
	sb.WriteString("\nReply with the single number of the best candidate.")
	return system, sb.String()
}

// applyTemperatureOverride forces temperature 1.0 for models that reject
// custom values. The override is logged so a surprising sampling setting is
// traceable to configuration, not a bug.
func (e *Engine) applyTemperatureOverride(pc backend.ProviderConfig) backend.ProviderConfig {
	for _, prefix := range e.cfg.FixedTemperatureModels {
		if prefix != "" && strings.HasPrefix(pc.Model, prefix) {
			if pc.Temperature != 1.0 {
				e.logger.Info("forcing fixed temperature for model",
					"model", pc.Model, "requested", pc.Temperature, "forced", 1.0)
				pc.Temperature = 1.0
			}
			break
		}
	}
	return pc
}

func (e *Engine) promptInputs(locale string, sources map[string]internal.SourceEntry, rules []string) prompt.Inputs {
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]prompt.Item, 0, len(keys))
	for _, k := range keys {
		src := sources[k]
		items = append(items, prompt.Item{
			Key:       e.prefixed(k),
			Text:      src.Text,
			Context:   src.Context,
			Reference: src.References[locale],
		})
	}
	return prompt.Inputs{
		SourceLocale: e.cfg.SourceLocale,
		TargetLocale: locale,
		Items:        items,
		Rules:        rules,
	}
}

func (e *Engine) prefixed(key string) string {
	if e.cfg.KeyPrefix == "" {
		return key
	}
	return e.cfg.KeyPrefix + "/" + key
}

func (e *Engine) audit(ctx context.Context, locale, key string, cs []Candidate, chosen int, method string) {
	if e.cfg.Auditor == nil {
		return
	}
	if err := e.cfg.Auditor.RecordDecision(ctx, locale, key, cs, chosen, method); err != nil {
		e.logger.Warn("judge audit write failed", "locale", locale, "key", key, "error", err)
	}
}

func (e *Engine) setState(locale string, state *State, next State) {
	*state = next
	e.logger.Debug("locale state", "locale", locale, "state", string(next))
}

func sortedKeys(m map[string][]Candidate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
