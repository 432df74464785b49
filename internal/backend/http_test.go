package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tolmach-ai/tolmach/internal"
)

func TestNew_UnknownVendor(t *testing.T) {
	_, err := New(ProviderConfig{Vendor: "acme"})
	if err == nil {
		t.Fatal("expected error for unknown vendor")
	}
	var unconfigured *internal.UnconfiguredProviderError
	if !errors.As(err, &unconfigured) {
		t.Errorf("error type = %T", err)
	}
	if unconfigured.Vendor != "acme" {
		t.Errorf("vendor = %q", unconfigured.Vendor)
	}
}

func TestNew_KnownVendors(t *testing.T) {
	for _, vendor := range []string{VendorOpenAI, VendorOllama, VendorOpenRouter, VendorGoogleMT, VendorMyMemory} {
		b, err := New(ProviderConfig{Vendor: vendor})
		if err != nil {
			t.Errorf("%s: unexpected error: %v", vendor, err)
			continue
		}
		if b.Name() != vendor {
			t.Errorf("%s: Name() = %q", vendor, b.Name())
		}
	}
}

func TestProviderConfig_Label(t *testing.T) {
	cfg := ProviderConfig{Vendor: "openai", Model: "gpt-4o-mini"}
	if cfg.Label() != "openai:gpt-4o-mini" {
		t.Errorf("Label() = %q", cfg.Label())
	}
	if (ProviderConfig{Vendor: "ollama"}).Label() != "ollama" {
		t.Error("model-less label should be the bare vendor")
	}
}

func TestOllama_Invoke_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprintln(w, `{"response":"<item key=\"a\">","done":false}`)
		fmt.Fprintln(w, `{"response":"hola</item>","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true,"prompt_eval_count":7,"eval_count":11}`)
	}))
	defer srv.Close()

	b := NewOllama(ProviderConfig{Vendor: VendorOllama, BaseURL: srv.URL, Model: "llama3.2"})

	var deltas []string
	var finalIn, finalOut int
	finals := 0
	resp, err := b.Invoke(context.Background(), Request{User: "hi"}, StreamHandler{
		Text: func(s string) { deltas = append(deltas, s) },
		Usage: func(in, out int, final bool) {
			if final {
				finals++
				finalIn, finalOut = in, out
			}
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("got %d deltas, want 2", len(deltas))
	}
	if !strings.Contains(resp.Text, "hola") {
		t.Errorf("text = %q", resp.Text)
	}
	if finals != 1 || finalIn != 7 || finalOut != 11 {
		t.Errorf("final usage = %d (%d/%d), want once 7/11", finals, finalIn, finalOut)
	}
}

func TestOllama_Invoke_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewOllama(ProviderConfig{Vendor: VendorOllama, BaseURL: srv.URL})
	_, err := b.Invoke(context.Background(), Request{User: "hi"}, StreamHandler{})

	var provErr *internal.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type = %T", err)
	}
	if !provErr.Retryable {
		t.Error("5xx should be retryable")
	}
}

func TestOpenRouter_Invoke_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"reasoning":"thinking"}}]}`)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"<item key=\"a\">ciao</item>"}}]}`)
		fmt.Fprintln(w, `data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":9}}`)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer srv.Close()

	b := NewOpenRouter(ProviderConfig{Vendor: VendorOpenRouter, BaseURL: srv.URL, APIKey: "sk-test", Model: "x"})

	var reasoning, text strings.Builder
	starts, ends := 0, 0
	resp, err := b.Invoke(context.Background(), Request{User: "hi"}, StreamHandler{
		Text:           func(s string) { text.WriteString(s) },
		ReasoningStart: func() { starts++ },
		Reasoning:      func(s string) { reasoning.WriteString(s) },
		ReasoningEnd:   func() { ends++ },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reasoning.String() != "thinking" || starts != 1 || ends != 1 {
		t.Errorf("reasoning = %q start/end %d/%d", reasoning.String(), starts, ends)
	}
	if !strings.Contains(text.String(), "ciao") {
		t.Errorf("text = %q", text.String())
	}
	if resp.InputTokens != 3 || resp.OutputTokens != 9 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenRouter_Invoke_NoAPIKey(t *testing.T) {
	b := NewOpenRouter(ProviderConfig{Vendor: VendorOpenRouter})
	_, err := b.Invoke(context.Background(), Request{}, StreamHandler{})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestMyMemory_Invoke_ItemsToWireFormat(t *testing.T) {
	var pairs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pairs = append(pairs, r.URL.Query().Get("langpair"))
		var text string
		switch r.URL.Query().Get("q") {
		case "Hello":
			text = "Hola"
		case "Bye":
			text = "Adiós"
		}
		fmt.Fprintf(w, `{"responseData":{"translatedText":%q},"responseStatus":200}`, text)
	}))
	defer srv.Close()

	b := NewMyMemory(ProviderConfig{Vendor: VendorMyMemory, BaseURL: srv.URL})
	var text strings.Builder
	resp, err := b.Invoke(context.Background(), Request{
		SourceLocale: "auto",
		TargetLocale: "es",
		Items: []internal.LocalizedItem{
			{Key: "greeting", Text: "Hello"},
			{Key: "farewell", Text: "Bye"},
		},
	}, StreamHandler{Text: func(s string) { text.WriteString(s) }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range pairs {
		if p != "en|es" {
			t.Errorf("langpair = %q, auto source should default to en", p)
		}
	}
	if !strings.Contains(resp.Text, `<item key="greeting">Hola</item>`) ||
		!strings.Contains(resp.Text, `<item key="farewell">Adiós</item>`) {
		t.Errorf("text = %q", resp.Text)
	}
	if text.String() != resp.Text {
		t.Error("handler should see the full wire text as one chunk")
	}
}

func TestMyMemory_Invoke_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"responseStatus":429,"responseDetails":"rate limited"}`)
	}))
	defer srv.Close()

	b := NewMyMemory(ProviderConfig{Vendor: VendorMyMemory, BaseURL: srv.URL})
	_, err := b.Invoke(context.Background(), Request{
		TargetLocale: "es",
		Items:        []internal.LocalizedItem{{Key: "a", Text: "x"}},
	}, StreamHandler{})

	var provErr *internal.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type = %T", err)
	}
	if !provErr.Retryable {
		t.Error("429 should be retryable")
	}
}

func TestMock_FailTimesThenSucceed(t *testing.T) {
	wantErr := &internal.ProviderError{Provider: "mock", Message: "boom", Retryable: true}
	b := NewMock("mock", `<item key="a">x</item>`).FailTimes(2, wantErr)

	for i := 0; i < 2; i++ {
		if _, err := b.Invoke(context.Background(), Request{}, StreamHandler{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	resp, err := b.Invoke(context.Background(), Request{}, StreamHandler{})
	if err != nil {
		t.Fatalf("third call failed: %v", err)
	}
	if resp.Text == "" || b.Calls() != 3 {
		t.Errorf("text=%q calls=%d", resp.Text, b.Calls())
	}
}
