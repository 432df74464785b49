package pipeline

import (
	"sort"

	"github.com/tolmach-ai/tolmach/internal"
)

// The dispatch plan lives in the context's plugin data under this name, so
// the filtering and chunking middlewares and the translation provider agree
// on what is left to send without a direct dependency on each other.
const planDataKey = "pipeline"

// SetPending records the keys still needing a backend call for a locale.
// The diff/cache filter narrows this set; absent an entry the whole request
// key set is pending.
func SetPending(tc *internal.TranslationContext, locale string, pending map[string]internal.SourceEntry) {
	tc.PluginData(planDataKey)["pending:"+locale] = pending
}

// Pending returns the keys still needing a backend call for a locale.
func Pending(tc *internal.TranslationContext, locale string) map[string]internal.SourceEntry {
	if v, ok := tc.PluginData(planDataKey)["pending:"+locale]; ok {
		if m, ok := v.(map[string]internal.SourceEntry); ok {
			return m
		}
	}
	return tc.Request.Entries
}

// SetBatches records the per-call key batches for a locale, in dispatch
// order.
func SetBatches(tc *internal.TranslationContext, locale string, batches [][]string) {
	tc.PluginData(planDataKey)["batches:"+locale] = batches
}

// Batches returns the per-call key batches for a locale. Without a chunking
// middleware the whole pending set forms one batch.
func Batches(tc *internal.TranslationContext, locale string) [][]string {
	if v, ok := tc.PluginData(planDataKey)["batches:"+locale]; ok {
		if b, ok := v.([][]string); ok {
			return b
		}
	}
	pending := Pending(tc, locale)
	if len(pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return [][]string{keys}
}
