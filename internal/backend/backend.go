// Package backend defines the contract to external model services and the
// vendor implementations used by the consensus engine.
package backend

import (
	"context"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
)

// Vendor identifiers recognized by the factory.
const (
	VendorOpenAI     = "openai"
	VendorOllama     = "ollama"
	VendorOpenRouter = "openrouter"
	VendorGoogleMT   = "googlemt"
	VendorMyMemory   = "mymemory"
)

// ProviderConfig selects and parameterizes one backend. Immutable once
// constructed for a given call.
type ProviderConfig struct {
	Vendor          string        `mapstructure:"vendor" json:"vendor"`
	Model           string        `mapstructure:"model" json:"model"`
	Temperature     float32       `mapstructure:"temperature" json:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens" json:"max_tokens"`
	ReasoningBudget int           `mapstructure:"reasoning_budget" json:"reasoning_budget"`
	APIKey          string        `mapstructure:"api_key" json:"api_key"`
	BaseURL         string        `mapstructure:"base_url" json:"base_url"`
	Credentials     string        `mapstructure:"credentials" json:"credentials"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Label returns the vendor:model pair used in logs and judge prompts.
func (c ProviderConfig) Label() string {
	if c.Model == "" {
		return c.Vendor
	}
	return c.Vendor + ":" + c.Model
}

// Request is one outbound invocation payload. System and User carry the
// rendered prompt for chat backends; Items carries the raw keyed source
// strings so non-chat backends (machine translation APIs) can operate
// without parsing the prompt.
type Request struct {
	System       string
	User         string
	SourceLocale string
	TargetLocale string
	Items        []internal.LocalizedItem
}

// StreamHandler receives per-chunk callbacks during an invocation. Any
// field may be nil. Usage reports token deltas; final marks the
// authoritative end-of-call total and is sent at most once.
type StreamHandler struct {
	Text           func(delta string)
	ReasoningStart func()
	Reasoning      func(delta string)
	ReasoningEnd   func()
	Usage          func(input, output int, final bool)
}

func (h StreamHandler) text(s string) {
	if h.Text != nil && s != "" {
		h.Text(s)
	}
}

func (h StreamHandler) usage(in, out int, final bool) {
	if h.Usage != nil {
		h.Usage(in, out, final)
	}
}

// Response is the completed invocation result.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Backend performs one streamed model invocation. Implementations must
// invoke the handler from the calling goroutine only.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error)
}

// New maps a ProviderConfig to a Backend implementation. Unknown vendors
// are a configuration error, surfaced immediately and never retried.
func New(cfg ProviderConfig) (Backend, error) {
	switch cfg.Vendor {
	case VendorOpenAI:
		return NewOpenAI(cfg), nil
	case VendorOllama:
		return NewOllama(cfg), nil
	case VendorOpenRouter:
		return NewOpenRouter(cfg), nil
	case VendorGoogleMT:
		return NewGoogleMT(cfg), nil
	case VendorMyMemory:
		return NewMyMemory(cfg), nil
	default:
		return nil, &internal.UnconfiguredProviderError{Vendor: cfg.Vendor}
	}
}
