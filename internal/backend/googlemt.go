package backend

import (
	"context"
	"fmt"
	"strings"

	translate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"

	"github.com/tolmach-ai/tolmach/internal"
)

// GoogleMTBackend adapts the Google Cloud Translation API to the streamed
// backend contract. It is not an LLM: it translates the keyed source items
// directly and emits its whole result as a single chunk in the item wire
// format, which exercises the decoder's non-streaming path. It is never
// used as a judge.
type GoogleMTBackend struct {
	cfg ProviderConfig
}

// NewGoogleMT builds the backend.
func NewGoogleMT(cfg ProviderConfig) *GoogleMTBackend {
	return &GoogleMTBackend{cfg: cfg}
}

func (b *GoogleMTBackend) Name() string {
	return VendorGoogleMT
}

// Invoke translates req.Items in one batch call.
func (b *GoogleMTBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	if len(req.Items) == 0 {
		return nil, &internal.ProviderError{
			Provider: b.cfg.Label(),
			Message:  "no items to translate",
		}
	}

	target, err := language.Parse(req.TargetLocale)
	if err != nil {
		return nil, fmt.Errorf("invalid target locale %q: %w", req.TargetLocale, err)
	}

	var opts []option.ClientOption
	if b.cfg.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.Credentials))
	}
	client, err := translate.NewClient(ctx, opts...)
	if err != nil {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "client init failed",
			Cause:     err,
			Retryable: true,
		}
	}
	defer client.Close()

	texts := make([]string, len(req.Items))
	for i, item := range req.Items {
		texts[i] = item.Text
	}

	var transOpts *translate.Options
	if req.SourceLocale != "" && req.SourceLocale != "auto" {
		if src, err := language.Parse(req.SourceLocale); err == nil {
			transOpts = &translate.Options{Source: src}
		}
	}

	translations, err := client.Translate(ctx, texts, target, transOpts)
	if err != nil {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "translation failed",
			Cause:     err,
			Retryable: true,
		}
	}
	if len(translations) != len(req.Items) {
		return nil, &internal.ProviderError{
			Provider: b.cfg.Label(),
			Message:  fmt.Sprintf("got %d translations for %d items", len(translations), len(req.Items)),
		}
	}

	var full strings.Builder
	for i, item := range req.Items {
		fmt.Fprintf(&full, "<item key=%q>%s</item>\n", item.Key, translations[i].Text)
	}

	text := full.String()
	h.text(text)
	h.usage(0, 0, true)

	return &Response{Text: text}, nil
}
