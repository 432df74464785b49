package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// MarkdownCatalog flattens a document into block-level entries keyed by
// position. Blocks split on blank lines outside fenced code; each segment is
// classified through the markdown parser so code blocks are carried over
// untouched instead of being offered for translation.
type MarkdownCatalog struct {
	path     string
	segments []mdSegment
	updated  map[int]string
}

type mdSegment struct {
	raw          string
	translatable bool
}

// OpenMarkdown loads and segments a markdown document.
func OpenMarkdown(path string) (*MarkdownCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	c := &MarkdownCatalog{path: path, updated: make(map[int]string)}
	for _, raw := range splitBlocks(string(data)) {
		c.segments = append(c.segments, mdSegment{
			raw:          raw,
			translatable: isTranslatableBlock(raw),
		})
	}
	return c, nil
}

func (c *MarkdownCatalog) Flatten() map[string]Entry {
	out := make(map[string]Entry)
	for i, seg := range c.segments {
		if seg.translatable {
			out[blockKey(i)] = Entry{Text: seg.raw}
		}
	}
	return out
}

// IsTranslated is always false for markdown: translating a document produces
// a new document, there is no in-place target state to diff against.
func (c *MarkdownCatalog) IsTranslated(key string) bool {
	return false
}

func (c *MarkdownCatalog) UpdateString(key, value string) error {
	var idx int
	if _, err := fmt.Sscanf(key, "block.%d", &idx); err != nil {
		return fmt.Errorf("catalog: bad markdown key %q", key)
	}
	if idx < 0 || idx >= len(c.segments) || !c.segments[idx].translatable {
		return fmt.Errorf("catalog: no translatable block %q", key)
	}
	c.updated[idx] = value
	return nil
}

func (c *MarkdownCatalog) Save() error {
	parts := make([]string, len(c.segments))
	for i, seg := range c.segments {
		if v, ok := c.updated[i]; ok {
			parts[i] = v
		} else {
			parts[i] = seg.raw
		}
	}
	out := strings.Join(parts, "\n\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return os.WriteFile(c.path, []byte(out), 0o644)
}

func blockKey(i int) string {
	return fmt.Sprintf("block.%04d", i)
}

// splitBlocks cuts the document at blank lines, keeping fenced code blocks
// whole.
func splitBlocks(doc string) []string {
	lines := strings.Split(doc, "\n")
	var blocks []string
	var current []string
	inFence := false

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			current = append(current, line)
			continue
		}
		if trimmed == "" && !inFence {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// isTranslatableBlock parses one segment and reports whether it carries
// prose. Code blocks, HTML blocks and horizontal rules pass through
// untranslated.
func isTranslatableBlock(raw string) bool {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := p.Parse([]byte(raw))

	translatable := false
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch node.(type) {
		case *ast.CodeBlock, *ast.HTMLBlock, *ast.HorizontalRule:
			return ast.SkipChildren
		case *ast.Text:
			if len(strings.TrimSpace(string(node.AsLeaf().Literal))) > 0 {
				translatable = true
				return ast.Terminate
			}
		}
		return ast.GoToNext
	})
	return translatable
}
