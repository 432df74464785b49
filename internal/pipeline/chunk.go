package pipeline

import (
	"context"
	"sort"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/chunker"
	"github.com/tolmach-ai/tolmach/internal/plugin"
)

// Chunking splits each locale's pending key set into consecutive batches
// bounded by an approximate token budget; each batch becomes one backend
// call and batch results merge back before validation.
type Chunking struct {
	plugin.Base
	budget int
}

// NewChunking builds the chunking middleware. budget <= 0 uses the default.
func NewChunking(budgetTokens int) *Chunking {
	if budgetTokens <= 0 {
		budgetTokens = chunker.DefaultBudgetTokens
	}
	return &Chunking{
		Base:   plugin.Base{PluginName: "chunking", PluginPriority: 10},
		budget: budgetTokens,
	}
}

func (c *Chunking) Stage() string { return StageChunking }

func (c *Chunking) Handle(ctx context.Context, tc *internal.TranslationContext, next plugin.NextFunc) error {
	for _, locale := range sortedLocales(tc.Request) {
		pending := Pending(tc, locale)
		if len(pending) == 0 {
			SetBatches(tc, locale, nil)
			continue
		}

		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		entries := make([]chunker.Entry, len(keys))
		for i, k := range keys {
			entries[i] = chunker.Entry{Key: k, Source: pending[k]}
		}

		var batches [][]string
		for _, batch := range chunker.Batch(entries, c.budget) {
			names := make([]string, len(batch))
			for i, e := range batch {
				names[i] = e.Key
			}
			batches = append(batches, names)
		}
		SetBatches(tc, locale, batches)
	}

	return next(ctx)
}
