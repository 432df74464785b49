package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/consensus"
	"github.com/tolmach-ai/tolmach/internal/plugin"
	"github.com/tolmach-ai/tolmach/internal/tokenusage"
)

// RuleSource returns the ordered free-text rule strings for a target locale,
// appended verbatim into the backend prompt. Nil means no rules.
type RuleSource interface {
	Rules(ctx context.Context, locale string) ([]string, error)
}

// MultiProvider is the provider plugin behind the translation stage. It
// builds a consensus engine per request and runs one engine call per
// (locale, batch), merging every outcome into the shared context.
type MultiProvider struct {
	plugin.Base
	base  consensus.Config
	rules RuleSource

	// ParallelLocales fans locales out concurrently on top of the engine's
	// own per-provider parallelism.
	ParallelLocales bool
}

// NewMultiProvider wraps a consensus configuration as the
// translation.multi_provider plugin.
func NewMultiProvider(base consensus.Config, rules RuleSource) *MultiProvider {
	return &MultiProvider{
		Base:  plugin.Base{PluginName: "multi_provider", PluginPriority: 10},
		base:  base,
		rules: rules,
	}
}

func (p *MultiProvider) Capability() string { return CapabilityMultiProvider }

// Provide translates every pending batch for every target locale. A locale
// with no surviving candidate is downgraded to warnings as long as at least
// one locale produced usable output; the request fails only when none did.
func (p *MultiProvider) Provide(ctx context.Context, tc *internal.TranslationContext) error {
	req := tc.Request

	acc := tokenusage.New(func(u internal.TokenUsage) { tc.SetUsage(u) })

	cfg := p.base
	cfg.SourceLocale = req.SourceLocale
	userEvents := p.base.Events
	cfg.Events.ItemTranslated = func(locale, key, text, provider string) {
		tc.SetTranslation(locale, key, text, provider, false)
		tc.Yield(internal.TranslationOutput{Locale: locale, Key: key, Text: text, Provider: provider})
		if userEvents.ItemTranslated != nil {
			userEvents.ItemTranslated(locale, key, text, provider)
		}
	}
	engine := consensus.New(cfg)

	type localeOutcome struct {
		locale string
		err    error
	}
	outcomes := make(chan localeOutcome, len(req.TargetLocales))

	runLocale := func(locale string) localeOutcome {
		out := localeOutcome{locale: locale}

		var rules []string
		if p.rules != nil {
			var err error
			rules, err = p.rules.Rules(ctx, locale)
			if err != nil {
				out.err = fmt.Errorf("rule lookup for %s: %w", locale, err)
				return out
			}
		}

		pending := Pending(tc, locale)
		for _, batch := range Batches(tc, locale) {
			sources := make(map[string]internal.SourceEntry, len(batch))
			for _, key := range batch {
				if src, ok := pending[key]; ok {
					sources[key] = src
				}
			}
			if len(sources) == 0 {
				continue
			}

			_, warns, err := engine.TranslateLocale(ctx, locale, sources, rules, acc)
			tc.AddWarnings(warns)
			if err != nil {
				out.err = err
				return out
			}
		}
		return out
	}

	if p.ParallelLocales {
		var wg sync.WaitGroup
		for _, locale := range req.TargetLocales {
			wg.Add(1)
			go func(locale string) {
				defer wg.Done()
				outcomes <- runLocale(locale)
			}(locale)
		}
		wg.Wait()
	} else {
		for _, locale := range req.TargetLocales {
			outcomes <- runLocale(locale)
		}
	}
	close(outcomes)

	var firstErr error
	for out := range outcomes {
		if out.err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = out.err
		}
		tc.AddWarning(internal.Warning{
			Locale:  out.locale,
			Code:    internal.WarnProviderFailed,
			Message: fmt.Sprintf("locale failed: %v", out.err),
		})
	}

	// Cached hits folded in before this stage count as usable output too;
	// the request fails only when nothing usable exists anywhere.
	usable := 0
	for _, m := range tc.Translations() {
		usable += len(m)
	}
	if usable == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}
