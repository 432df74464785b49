// Package cache is the cross-process translation cache consulted by the
// diff/cache pipeline stage. Keys hash the source text so arbitrarily long
// strings stay addressable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Cache stores finished translations keyed by (source text, target locale).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
	Close() error
}

// Key derives the cache key for a source text and target locale:
// sha256 of the source, suffixed with the locale.
func Key(source, locale string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:]) + ":" + locale
}

// Lookup adapts a Cache to the pipeline's diff-filter contract.
type Lookup struct {
	cache Cache
}

// NewLookup wraps a cache for use in the diff filter.
func NewLookup(c Cache) *Lookup {
	return &Lookup{cache: c}
}

func (l *Lookup) Name() string { return "cache" }

func (l *Lookup) Existing(ctx context.Context, locale, key, source string) (string, bool) {
	return l.cache.Get(ctx, Key(source, locale))
}
