package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// JSONCatalog handles flat and nested JSON catalogs. Nested objects flatten
// to dot-joined keys; UpdateString recreates the nesting on the way back.
type JSONCatalog struct {
	path string
	root map[string]any
}

// OpenJSON loads a JSON catalog. A missing file starts an empty catalog that
// Save will create.
func OpenJSON(path string) (*JSONCatalog, error) {
	c := &JSONCatalog{path: path, root: make(map[string]any)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.root); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return c, nil
}

func (c *JSONCatalog) Flatten() map[string]Entry {
	out := make(map[string]Entry)
	flattenInto(out, "", c.root)
	return out
}

func flattenInto(out map[string]Entry, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case string:
			out[key] = Entry{Text: val}
		case map[string]any:
			flattenInto(out, key, val)
		}
	}
}

func (c *JSONCatalog) IsTranslated(key string) bool {
	v, ok := c.lookup(key)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}

func (c *JSONCatalog) lookup(key string) (any, bool) {
	node := c.root
	parts := strings.Split(key, ".")
	for i, part := range parts {
		v, ok := node[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		node, ok = v.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

func (c *JSONCatalog) UpdateString(key, value string) error {
	node := c.root
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			if _, exists := node[part]; exists {
				return fmt.Errorf("catalog: key %q collides with a non-object value", key)
			}
			next = make(map[string]any)
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
	return nil
}

func (c *JSONCatalog) Save() error {
	data, err := json.MarshalIndent(c.root, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", c.path, err)
	}
	return os.WriteFile(c.path, append(data, '\n'), 0o644)
}
