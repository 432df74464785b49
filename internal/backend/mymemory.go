package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
)

const myMemoryEndpoint = "https://api.mymemory.translated.net/get"

// MyMemoryBackend adapts the MyMemory translation API to the streamed
// backend contract. Like GoogleMT it is not an LLM: each item is translated
// with one GET call and the combined result is emitted as a single chunk in
// the item wire format. Never used as a judge.
type MyMemoryBackend struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewMyMemory builds the backend. The config's Credentials field carries the
// optional contact email that raises the API's free quota.
func NewMyMemory(cfg ProviderConfig) *MyMemoryBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MyMemoryBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (b *MyMemoryBackend) Name() string {
	return VendorMyMemory
}

// Invoke translates req.Items one call per item. MyMemory has no batch
// endpoint and no notion of auto-detection, so an unset source locale
// defaults to English.
func (b *MyMemoryBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	if len(req.Items) == 0 {
		return nil, &internal.ProviderError{
			Provider: b.cfg.Label(),
			Message:  "no items to translate",
		}
	}

	source := req.SourceLocale
	if source == "" || source == "auto" {
		source = "en"
	}
	langPair := source + "|" + req.TargetLocale

	var full strings.Builder
	for _, item := range req.Items {
		translated, err := b.translateOne(ctx, item.Text, langPair)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&full, "<item key=%q>%s</item>\n", item.Key, translated)
	}

	text := full.String()
	h.text(text)
	h.usage(0, 0, true)

	return &Response{Text: text}, nil
}

func (b *MyMemoryBackend) translateOne(ctx context.Context, text, langPair string) (string, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("langpair", langPair)
	if b.cfg.Credentials != "" {
		q.Set("de", b.cfg.Credentials)
	}

	endpoint := myMemoryEndpoint
	if b.cfg.BaseURL != "" {
		endpoint = b.cfg.BaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", &internal.ProviderError{
			Provider: b.cfg.Label(),
			Message:  "request build failed",
			Cause:    err,
		}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "request failed",
			Cause:     err,
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	var body struct {
		ResponseData struct {
			TranslatedText string `json:"translatedText"`
		} `json:"responseData"`
		ResponseStatus  int    `json:"responseStatus"`
		ResponseDetails string `json:"responseDetails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "response decode failed",
			Cause:     err,
			Retryable: true,
		}
	}
	if body.ResponseStatus != http.StatusOK {
		return "", &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   fmt.Sprintf("API error %d: %s", body.ResponseStatus, body.ResponseDetails),
			Retryable: body.ResponseStatus >= 500 || body.ResponseStatus == http.StatusTooManyRequests,
		}
	}
	return body.ResponseData.TranslatedText, nil
}
