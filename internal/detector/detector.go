// Package detector wraps the lingua language detector behind a small
// interface used for wrong-language warnings on translated text.
package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"
)

// minReliableLength is the rune count below which detection is too noisy
// to act on; shorter texts always pass.
const minReliableLength = 20

// Detector identifies the language of a text. Building the underlying
// model is expensive; construct once and reuse.
type Detector struct {
	det lingua.LanguageDetector
}

// New builds a detector over all supported languages.
func New() *Detector {
	return &Detector{
		det: lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			Build(),
	}
}

// DetectISO returns the ISO 639-1 code of the detected language.
func (d *Detector) DetectISO(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lang, ok := d.det.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}

// Matches reports whether text appears to be written in locale (an ISO
// code, optionally with a region suffix such as "pt-BR"). Texts too short
// for reliable detection, and texts whose language cannot be determined,
// match by default.
func (d *Detector) Matches(text, locale string) bool {
	if locale == "" {
		return true
	}
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minReliableLength {
		return true
	}
	detected, ok := d.DetectISO(trimmed)
	if !ok {
		return true
	}
	base := strings.ToLower(locale)
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	return detected == base
}
