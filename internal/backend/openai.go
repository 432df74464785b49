package backend

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tolmach-ai/tolmach/internal"
)

// OpenAIBackend streams chat completions from the OpenAI API or any
// OpenAI-compatible endpoint.
type OpenAIBackend struct {
	cfg    ProviderConfig
	client *openai.Client
}

// NewOpenAI builds the backend from a provider config.
func NewOpenAI(cfg ProviderConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAIBackend{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (b *OpenAIBackend) Name() string {
	return VendorOpenAI
}

// Invoke streams the completion, forwarding text and reasoning deltas and
// the usage total the API reports on the final chunk.
func (b *OpenAIBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: b.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: b.cfg.Temperature,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if b.cfg.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = b.cfg.MaxTokens
	}
	if b.cfg.ReasoningBudget > 0 {
		chatReq.ReasoningEffort = reasoningEffort(b.cfg.ReasoningBudget)
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "stream start failed",
			Cause:     err,
			Retryable: true,
		}
	}
	defer stream.Close()

	var full strings.Builder
	var inTokens, outTokens int
	reasoning := false

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &internal.ProviderError{
				Provider:  b.cfg.Label(),
				Message:   "stream read failed",
				Cause:     err,
				Retryable: true,
			}
		}

		if chunk.Usage != nil {
			inTokens = chunk.Usage.PromptTokens
			outTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !reasoning {
				reasoning = true
				if h.ReasoningStart != nil {
					h.ReasoningStart()
				}
			}
			if h.Reasoning != nil {
				h.Reasoning(delta.ReasoningContent)
			}
			continue
		}
		if reasoning {
			reasoning = false
			if h.ReasoningEnd != nil {
				h.ReasoningEnd()
			}
		}
		if delta.Content != "" {
			full.WriteString(delta.Content)
			h.text(delta.Content)
		}
	}
	if reasoning && h.ReasoningEnd != nil {
		h.ReasoningEnd()
	}

	h.usage(inTokens, outTokens, true)

	return &Response{
		Text:         full.String(),
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	}, nil
}

// reasoningEffort maps a token budget to the coarse effort levels the API
// accepts.
func reasoningEffort(budget int) string {
	switch {
	case budget >= 16384:
		return "high"
	case budget >= 4096:
		return "medium"
	default:
		return "low"
	}
}
