// Package catalog adapts on-disk localization formats to one uniform
// transformer interface. The engine is format-agnostic above it: flatten a
// file into keyed entries, ask which keys already carry a translation, write
// translated values back, save.
package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Entry is one flattened source string.
type Entry struct {
	Text    string
	Context string
}

// Transformer is the uniform view over one catalog file.
type Transformer interface {
	// Flatten returns every translatable entry keyed by its catalog key.
	Flatten() map[string]Entry
	// IsTranslated reports whether the key already carries a translation
	// considered current.
	IsTranslated(key string) bool
	// UpdateString records a translated value for a key.
	UpdateString(key, value string) error
	// Save writes the catalog back to disk.
	Save() error
}

// Open selects a transformer by file extension.
func Open(path string) (Transformer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return OpenJSON(path)
	case ".po", ".pot":
		return OpenPO(path)
	case ".md", ".markdown":
		return OpenMarkdown(path)
	default:
		return nil, fmt.Errorf("catalog: unsupported format %q", filepath.Ext(path))
	}
}
