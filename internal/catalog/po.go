package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/leonelquinteros/gotext"
)

// POCatalog handles gettext catalogs. Parsing goes through gotext; the
// writer is local so the header block of the original file survives
// byte-for-byte. The catalog key is the msgid itself.
type POCatalog struct {
	path    string
	header  string
	entries map[string]*poEntry
}

type poEntry struct {
	msgid  string
	msgstr string
	refs   []string
}

// OpenPO loads a PO or POT catalog. A missing file starts an empty catalog.
func OpenPO(path string) (*POCatalog, error) {
	c := &POCatalog{path: path, entries: make(map[string]*poEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.header = defaultPOHeader
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	po := gotext.NewPo()
	po.Parse(data)
	for id, tr := range po.GetDomain().GetTranslations() {
		if id == "" {
			continue
		}
		c.entries[id] = &poEntry{msgid: id, msgstr: tr.Get()}
	}
	// gotext resolves msgstr through fallbacks; an untranslated entry comes
	// back as its own msgid.
	for _, e := range c.entries {
		if e.msgstr == e.msgid {
			e.msgstr = ""
		}
	}

	c.header = extractPOHeader(string(data))
	if c.header == "" {
		c.header = defaultPOHeader
	}
	return c, nil
}

func (c *POCatalog) Flatten() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for id := range c.entries {
		out[id] = Entry{Text: id}
	}
	return out
}

func (c *POCatalog) IsTranslated(key string) bool {
	e, ok := c.entries[key]
	return ok && e.msgstr != ""
}

func (c *POCatalog) UpdateString(key, value string) error {
	e, ok := c.entries[key]
	if !ok {
		e = &poEntry{msgid: key}
		c.entries[key] = e
	}
	e.msgstr = value
	return nil
}

func (c *POCatalog) Save() error {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(c.header, "\n"))
	sb.WriteString("\n")
	for _, id := range ids {
		e := c.entries[id]
		sb.WriteString("\n")
		for _, ref := range e.refs {
			sb.WriteString("#: " + ref + "\n")
		}
		sb.WriteString("msgid " + poQuote(e.msgid) + "\n")
		sb.WriteString("msgstr " + poQuote(e.msgstr) + "\n")
	}
	return os.WriteFile(c.path, []byte(sb.String()), 0o644)
}

const defaultPOHeader = `msgid ""
msgstr ""
"Content-Type: text/plain; charset=UTF-8\n"
`

// extractPOHeader returns the raw lines of the header entry (msgid "") up to
// the first blank line, verbatim.
func extractPOHeader(data string) string {
	lines := strings.Split(data, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), `msgid ""`) {
			start = i
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), "msgid ") {
			return ""
		}
	}
	if start < 0 {
		return ""
	}
	// Include any leading comment lines attached to the header.
	for start > 0 && strings.HasPrefix(strings.TrimSpace(lines[start-1]), "#") {
		start--
	}
	end := start
	for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
		end++
	}
	return strings.Join(lines[start:end], "\n") + "\n"
}

// poQuote renders a value as one or more quoted PO string lines.
func poQuote(s string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + esc.Replace(s) + `"`
}
