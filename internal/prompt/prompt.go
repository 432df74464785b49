// Package prompt renders the system and user messages sent to chat
// backends, including the item wire format the streaming decoder expects.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/placeholder"
)

// Item is one keyed source string prepared for a backend call. Key already
// carries the request's prefix when one is configured.
type Item struct {
	Key       string
	Text      string
	Context   string
	Reference string
}

// Inputs collects everything one backend call's prompt needs.
type Inputs struct {
	SourceLocale string
	TargetLocale string
	Items        []Item
	// Rules are free-form glossary/style rule strings for the target
	// locale, appended verbatim.
	Rules []string
}

// System renders the system message: role, output contract and rules.
func System(in Inputs) string {
	var sb strings.Builder

	source := in.SourceLocale
	if source == "" || source == "auto" {
		source = "the source language"
	}

	fmt.Fprintf(&sb, "You are an expert native translator. Translate each item from %s into idiomatic %s with the fluency of a highly educated native speaker.\n\n", source, in.TargetLocale)

	sb.WriteString("Output contract:\n")
	sb.WriteString("- Respond with one <item> element per source item, in the same order:\n")
	sb.WriteString("  <item key=\"the.exact.key\">translated text</item>\n")
	sb.WriteString("- Copy each key attribute exactly; never invent, drop or rename keys.\n")
	sb.WriteString("- You may add a comment attribute for translator notes: <item key=\"k\" comment=\"note\">…</item>\n")
	sb.WriteString("- Any reasoning must go inside a single <think>…</think> block before the items; never inside them.\n")
	sb.WriteString("- " + placeholder.InstructionHint() + "\n")
	sb.WriteString("- Do not translate the content of comment attributes from the input; they are context, not text.\n")

	if len(in.Rules) > 0 {
		sb.WriteString("\nProject rules for this locale:\n")
		for _, rule := range in.Rules {
			sb.WriteString("- " + rule + "\n")
		}
	}

	return sb.String()
}

// User renders the user message carrying the source items. Context strings
// and approved reference translations ride along as attributes the model
// is told to treat as guidance.
func User(in Inputs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Translate the following %d item(s) into %s:\n\n", len(in.Items), in.TargetLocale)
	for _, item := range in.Items {
		sb.WriteString("<item key=" + quote(item.Key))
		if item.Context != "" {
			sb.WriteString(" comment=" + quote(item.Context))
		}
		if item.Reference != "" {
			sb.WriteString(" reference=" + quote(item.Reference))
		}
		sb.WriteString(">")
		sb.WriteString(item.Text)
		sb.WriteString("</item>\n")
	}
	return sb.String()
}

// BackendItems converts prompt items to the raw keyed form non-chat
// backends consume.
func BackendItems(in Inputs) []internal.LocalizedItem {
	out := make([]internal.LocalizedItem, len(in.Items))
	for i, item := range in.Items {
		out[i] = internal.LocalizedItem{Key: item.Key, Text: item.Text, Comment: item.Context}
	}
	return out
}

// quote wraps a value in double quotes, escaping embedded quotes so the
// attribute scanner never terminates early and the decoder recovers the
// value byte for byte. Keys in particular must round-trip unchanged.
func quote(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return `"` + s + `"`
}
