package pipeline

import (
	"context"
	"sort"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/plugin"
)

// Lookup resolves an already-existing translation for a (locale, key) pair.
// The diff/cache filter consults lookups in registration order; the first
// hit wins. Implementations: the catalog's translated set, the cross-process
// cache, the translation memory.
type Lookup interface {
	// Name labels hits from this lookup in the output's Provider field.
	Name() string
	Existing(ctx context.Context, locale, key, source string) (string, bool)
}

// DiffFilter is the middleware behind the diff_filter stage: keys whose
// translation already exists are folded into the context as cached output
// and removed from the pending dispatch set.
type DiffFilter struct {
	plugin.Base
	lookups []Lookup
}

// NewDiffFilter builds the filter over the given lookup chain.
func NewDiffFilter(lookups ...Lookup) *DiffFilter {
	return &DiffFilter{
		Base:    plugin.Base{PluginName: "diff_filter", PluginPriority: 10},
		lookups: lookups,
	}
}

func (f *DiffFilter) Stage() string { return StageDiffFilter }

func (f *DiffFilter) Handle(ctx context.Context, tc *internal.TranslationContext, next plugin.NextFunc) error {
	req := tc.Request

	keys := req.Keys()
	for _, locale := range req.TargetLocales {
		pending := make(map[string]internal.SourceEntry, len(req.Entries))
		for _, key := range keys {
			src := req.Entries[key]
			text, from, hit := f.existing(ctx, locale, key, src.Text)
			if !hit {
				pending[key] = src
				continue
			}
			tc.SetTranslation(locale, key, text, from, true)
			tc.Yield(internal.TranslationOutput{
				Locale:   locale,
				Key:      key,
				Text:     text,
				Provider: from,
				Cached:   true,
			})
		}
		SetPending(tc, locale, pending)
	}

	return next(ctx)
}

func (f *DiffFilter) existing(ctx context.Context, locale, key, source string) (text, from string, ok bool) {
	for _, l := range f.lookups {
		if text, ok := l.Existing(ctx, locale, key, source); ok {
			return text, l.Name(), true
		}
	}
	return "", "", false
}

// sortedLocales is kept for middlewares needing a deterministic locale walk.
func sortedLocales(req *internal.TranslationRequest) []string {
	locales := append([]string(nil), req.TargetLocales...)
	sort.Strings(locales)
	return locales
}
