package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
)

// OpenRouterBackend streams chat completions from OpenRouter's SSE API.
type OpenRouterBackend struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewOpenRouter builds the backend.
func NewOpenRouter(cfg ProviderConfig) *OpenRouterBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenRouterBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (b *OpenRouterBackend) Name() string {
	return VendorOpenRouter
}

type openRouterChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke posts a streaming chat completion and consumes the SSE data lines.
func (b *OpenRouterBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	if b.cfg.APIKey == "" {
		return nil, &internal.ProviderError{
			Provider: b.cfg.Label(),
			Message:  "API key required",
		}
	}

	body := map[string]any{
		"model": b.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
		"stream":      true,
		"temperature": b.cfg.Temperature,
	}
	if b.cfg.MaxTokens > 0 {
		body["max_tokens"] = b.cfg.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "request failed",
			Cause:     err,
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   fmt.Sprintf("status %d", resp.StatusCode),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var full strings.Builder
	var inTokens, outTokens int
	reasoning := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk openRouterChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			inTokens = chunk.Usage.PromptTokens
			outTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Reasoning != "" {
			if !reasoning {
				reasoning = true
				if h.ReasoningStart != nil {
					h.ReasoningStart()
				}
			}
			if h.Reasoning != nil {
				h.Reasoning(delta.Reasoning)
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
	if err := scanner.Err(); err != nil {
		return nil, &internal.ProviderError{
			Provider:  b.cfg.Label(),
			Message:   "stream read failed",
			Cause:     err,
			Retryable: true,
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
