// Package chunker splits a key set into batches small enough for one
// backend call, bounded by an approximate token budget.
package chunker

import (
	"github.com/tolmach-ai/tolmach/internal"
)

const (
	// DefaultBudgetTokens bounds the estimated source-side tokens per batch.
	DefaultBudgetTokens = 2000
	// bytesPerToken is the rough estimate used across the engine; exact
	// counts come back from the backend afterwards.
	bytesPerToken = 4
	// entryOverheadTokens accounts for the per-item wire-format framing.
	entryOverheadTokens = 12
)

// Entry is one keyed source string queued for dispatch.
type Entry struct {
	Key    string
	Source internal.SourceEntry
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	n := len(text) / bytesPerToken
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Batch splits entries into consecutive groups whose estimated token sum
// stays within budget. Order is preserved. An entry larger than the budget
// still forms its own singleton batch; budget <= 0 means unlimited.
func Batch(entries []Entry, budget int) [][]Entry {
	if len(entries) == 0 {
		return nil
	}
	if budget <= 0 {
		return [][]Entry{entries}
	}

	var batches [][]Entry
	var current []Entry
	used := 0

	for _, e := range entries {
		cost := EstimateTokens(e.Source.Text) + EstimateTokens(e.Source.Context) + entryOverheadTokens
		if len(current) > 0 && used+cost > budget {
			batches = append(batches, current)
			current = nil
			used = 0
		}
		current = append(current, e)
		used += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
