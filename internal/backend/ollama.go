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

// OllamaBackend streams generations from a self-hosted Ollama server.
type OllamaBackend struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewOllama builds the backend; BaseURL defaults to the local daemon.
func NewOllama(cfg ProviderConfig) *OllamaBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (b *OllamaBackend) Name() string {
	return VendorOllama
}

type ollamaChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Invoke calls /api/generate with stream enabled and forwards each JSON
// line's text delta. Token counts arrive on the final line only.
func (b *OllamaBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	body := map[string]any{
		"model":  b.cfg.Model,
		"system": req.System,
		"prompt": req.User,
		"stream": true,
	}
	if b.cfg.Temperature > 0 {
		body["options"] = map[string]any{"temperature": b.cfg.Temperature}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			h.text(chunk.Response)
		}
		if chunk.Done {
			inTokens = chunk.PromptEvalCount
			outTokens = chunk.EvalCount
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

	h.usage(inTokens, outTokens, true)

	return &Response{
		Text:         full.String(),
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	}, nil
}
