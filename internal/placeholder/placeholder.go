// Package placeholder recognizes interpolation tokens inside catalog
// strings ({{name}}, {count}, printf verbs, $1, HTML tags) so verification
// can confirm a translation preserved them, and so prompts can instruct
// models to leave them intact.
package placeholder

import (
	"regexp"
	"strings"
)

var patterns = []*regexp.Regexp{
	// mustache/i18next style: {{name}}
	regexp.MustCompile(`\{\{[^{}]+\}\}`),
	// single-brace ICU style: {count}
	regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`),
	// printf verbs, including positional: %s %d %v %1$s %.2f
	regexp.MustCompile(`%(?:\d+\$)?[-+ #0]*(?:\d+)?(?:\.\d+)?[a-zA-Z]`),
	// shell/regex positional: $1
	regexp.MustCompile(`\$\d+`),
	// HTML/XML tags embedded in the string
	regexp.MustCompile(`<[^<>\s][^<>]*>`),
}

// Extract returns every placeholder token in text, in order of first
// appearance per pattern class, without duplicates. Earlier classes mask
// their matches so {{name}} is not re-reported as {name}.
func Extract(text string) []string {
	var tokens []string
	seen := make(map[string]bool)
	masked := text
	for _, re := range patterns {
		for _, m := range re.FindAllString(masked, -1) {
			if !seen[m] {
				seen[m] = true
				tokens = append(tokens, m)
			}
		}
		masked = re.ReplaceAllStringFunc(masked, func(m string) string {
			return strings.Repeat(" ", len(m))
		})
	}
	return tokens
}

// Missing returns the placeholders present in source but absent from
// translated. An empty result means the translation is structurally sound
// with respect to interpolation.
func Missing(source, translated string) []string {
	var missing []string
	for _, token := range Extract(source) {
		if !strings.Contains(translated, token) {
			missing = append(missing, token)
		}
	}
	return missing
}

// InstructionHint is appended to prompts so models keep tokens verbatim.
func InstructionHint() string {
	return "Never translate or alter interpolation placeholders such as " +
		"{{name}}, {count}, %s, $1 or HTML tags; copy them into the " +
		"translation exactly as they appear in the source."
}
