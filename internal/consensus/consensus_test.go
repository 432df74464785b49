package consensus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/backend"
	"github.com/tolmach-ai/tolmach/internal/tokenusage"
	"github.com/tolmach-ai/tolmach/internal/verify"
)

// factoryFor routes provider configs to scripted backends by vendor name.
func factoryFor(backends map[string]backend.Backend) func(backend.ProviderConfig) (backend.Backend, error) {
	return func(pc backend.ProviderConfig) (backend.Backend, error) {
		b, ok := backends[pc.Vendor]
		if !ok {
			return nil, &internal.UnconfiguredProviderError{Vendor: pc.Vendor}
		}
		return b, nil
	}
}

func fastRetry() verify.Config {
	return verify.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func sources(pairs ...string) map[string]internal.SourceEntry {
	m := make(map[string]internal.SourceEntry, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = internal.SourceEntry{Text: pairs[i+1]}
	}
	return m
}

func TestTranslateLocale_SingleProviderDirect(t *testing.T) {
	e := New(Config{
		Providers: []backend.ProviderConfig{{Vendor: "a", Model: "m"}},
		Retry:     fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a", `<item key="greeting">Bonjour</item>`),
		}),
	})

	res, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warns) != 0 {
		t.Errorf("warnings = %v", warns)
	}
	got := res["greeting"]
	if got.Text != "Bonjour" || got.Method != "direct" {
		t.Errorf("resolution = %+v", got)
	}
}

func TestTranslateLocale_JudgePicksSecondCandidate(t *testing.T) {
	judge := backend.ProviderConfig{Vendor: "judge", Model: "j"}
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		Judge:    &judge,
		Parallel: true,
		Retry:    fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a":     backend.NewMock("a", `<item key="greeting">Salut</item>`),
			"b":     backend.NewMock("b", `<item key="greeting">Bonjour</item>`),
			"judge": backend.NewMock("judge", "2"),
		}),
	})

	res, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res["greeting"]
	if got.Text != "Bonjour" {
		t.Errorf("text = %q, want the second provider's candidate", got.Text)
	}
	if got.Method != "judge" {
		t.Errorf("method = %q, want judge", got.Method)
	}
	for _, w := range warns {
		if w.Code == internal.WarnJudgeFallback {
			t.Errorf("unexpected fallback warning: %v", w)
		}
	}
}

func TestTranslateLocale_UnparseableJudgeFallsBackToLongest(t *testing.T) {
	judge := backend.ProviderConfig{Vendor: "judge", Model: "j"}
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		Judge: &judge,
		Retry: fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a":     backend.NewMock("a", `<item key="greeting">Salut</item>`),
			"b":     backend.NewMock("b", `<item key="greeting">Bonjour mon ami</item>`),
			"judge": backend.NewMock("judge", "neither is good"),
		}),
	})

	res, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res["greeting"]
	if got.Text != "Bonjour mon ami" {
		t.Errorf("text = %q, want the longer candidate", got.Text)
	}
	if got.Method != "fallback" {
		t.Errorf("method = %q, want fallback", got.Method)
	}
	found := false
	for _, w := range warns {
		if w.Code == internal.WarnJudgeFallback && w.Key == "greeting" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a judge fallback warning, got %v", warns)
	}
}

func TestTranslateLocale_FailedProviderExcludedWithWarning(t *testing.T) {
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		FallbackOnFailure: true,
		Parallel:          true,
		Retry:             fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a").FailTimes(5, &internal.ProviderError{Provider: "a", Message: "down", Retryable: false}),
			"b": backend.NewMock("b", `<item key="greeting">Bonjour</item>`),
		}),
	})

	res, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res["greeting"].Text != "Bonjour" {
		t.Errorf("resolution = %+v", res["greeting"])
	}
	found := false
	for _, w := range warns {
		if w.Code == internal.WarnProviderFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a provider-failed warning, got %v", warns)
	}
}

func TestTranslateLocale_FailedProviderFailsLocaleWhenFallbackDisabled(t *testing.T) {
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		FallbackOnFailure: false,
		Retry:             fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a").FailTimes(5, &internal.ProviderError{Provider: "a", Message: "down", Retryable: false}),
			"b": backend.NewMock("b", `<item key="greeting">Bonjour</item>`),
		}),
	})

	_, _, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err == nil {
		t.Fatal("expected the locale to fail")
	}
	var provider *internal.ProviderError
	if !errors.As(err, &provider) {
		t.Errorf("error = %v, want to unwrap to ProviderError", err)
	}
}

func TestTranslateLocale_AllProvidersFailed(t *testing.T) {
	e := New(Config{
		Providers:         []backend.ProviderConfig{{Vendor: "a", Model: "m"}},
		FallbackOnFailure: true,
		Retry:             fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a").FailTimes(5, &internal.ProviderError{Provider: "a", Message: "down", Retryable: false}),
		}),
	})

	_, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err == nil {
		t.Fatal("expected failure when no candidate survives")
	}
	if len(warns) == 0 {
		t.Error("expected the excluded provider to appear in warnings")
	}
}

func TestTranslateLocale_SequentialStopsAfterFirstResultWithoutJudge(t *testing.T) {
	first := backend.NewMock("a", `<item key="greeting">Salut</item>`)
	second := backend.NewMock("b", `<item key="greeting">Bonjour</item>`)
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		Retry: fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": first,
			"b": second,
		}),
	})

	res, warns, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Calls() != 0 {
		t.Errorf("second provider was consulted %d time(s) with no judge configured", second.Calls())
	}
	got := res["greeting"]
	if got.Text != "Salut" || got.Method != "direct" {
		t.Errorf("resolution = %+v, want the first provider used directly", got)
	}
	if len(warns) != 0 {
		t.Errorf("warnings = %v", warns)
	}
}

func TestTranslateLocale_SequentialFallsThroughToNextProviderOnFailure(t *testing.T) {
	second := backend.NewMock("b", `<item key="greeting">Bonjour</item>`)
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		FallbackOnFailure: true,
		Retry:             fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a").FailTimes(5, &internal.ProviderError{Provider: "a", Message: "down", Retryable: false}),
			"b": second,
		}),
	})

	res, _, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Calls() != 1 {
		t.Errorf("second provider calls = %d, want 1 after the first failed", second.Calls())
	}
	if res["greeting"].Text != "Bonjour" {
		t.Errorf("resolution = %+v", res["greeting"])
	}
}

func TestTranslateLocale_SequentialRunsAllProvidersWithJudge(t *testing.T) {
	judge := backend.ProviderConfig{Vendor: "judge", Model: "j"}
	second := backend.NewMock("b", `<item key="greeting">Bonjour</item>`)
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		Judge: &judge,
		Retry: fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a":     backend.NewMock("a", `<item key="greeting">Salut</item>`),
			"b":     second,
			"judge": backend.NewMock("judge", "1"),
		}),
	})

	if _, _, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Calls() != 1 {
		t.Errorf("second provider calls = %d, want every provider consulted when a judge arbitrates", second.Calls())
	}
}

func TestTranslateLocale_NoProvidersConfigured(t *testing.T) {
	e := New(Config{Retry: fastRetry()})
	_, _, err := e.TranslateLocale(context.Background(), "fr", sources("a", "x"), nil, tokenusage.New(nil))
	var unconfigured *internal.UnconfiguredProviderError
	if !errors.As(err, &unconfigured) {
		t.Errorf("error = %v, want UnconfiguredProviderError", err)
	}
}

func TestTranslateLocale_KeyPrefixRoundTrip(t *testing.T) {
	var promptedUser string
	e := New(Config{
		Providers: []backend.ProviderConfig{{Vendor: "a", Model: "m"}},
		KeyPrefix: "app",
		Retry:     fastRetry(),
		Events: Events{
			PromptGenerated: func(locale, provider, system, user string) { promptedUser = user },
		},
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a", `<item key="app/greeting">Bonjour</item>`),
		}),
	})

	res, _, err := e.TranslateLocale(context.Background(), "fr", sources("greeting", "Hello"), nil, tokenusage.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res["greeting"]; !ok {
		t.Errorf("resolutions = %v, want prefix stripped from key", res)
	}
	if !strings.Contains(promptedUser, `key="app/greeting"`) {
		t.Errorf("user prompt should carry the prefixed key:\n%s", promptedUser)
	}
}

func TestTranslateLocale_UsageFinalizedPerUnit(t *testing.T) {
	acc := tokenusage.New(nil)
	e := New(Config{
		Providers: []backend.ProviderConfig{
			{Vendor: "a", Model: "m1"},
			{Vendor: "b", Model: "m2"},
		},
		Parallel: true,
		Retry:    fastRetry(),
		Factory: factoryFor(map[string]backend.Backend{
			"a": backend.NewMock("a", `<item key="k">un</item>`).WithUsage(10, 5),
			"b": backend.NewMock("b", `<item key="k">deux</item>`).WithUsage(20, 7),
		}),
		// No judge; the fallback policy resolves the contested key.
	})

	_, _, err := e.TranslateLocale(context.Background(), "fr", sources("k", "one"), nil, acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := acc.Total()
	if total.InputTokens != 30 || total.OutputTokens != 12 {
		t.Errorf("usage = %+v", total)
	}
	if !total.Final {
		t.Error("usage should be final once every unit reported")
	}
}

func TestApplyTemperatureOverride(t *testing.T) {
	e := New(Config{})
	pc := e.applyTemperatureOverride(backend.ProviderConfig{Vendor: "openai", Model: "o1-preview", Temperature: 0.3})
	if pc.Temperature != 1.0 {
		t.Errorf("temperature = %v, want forced 1.0", pc.Temperature)
	}
	pc = e.applyTemperatureOverride(backend.ProviderConfig{Vendor: "openai", Model: "gpt-4o", Temperature: 0.3})
	if pc.Temperature != 0.3 {
		t.Errorf("temperature = %v, want untouched", pc.Temperature)
	}
}

func TestParseSelection(t *testing.T) {
	cases := []struct {
		reply   string
		n       int
		want    int
		wantErr bool
	}{
		{"2", 3, 1, false},
		{"The best translation is: 3", 3, 2, false},
		{"<think>hmm</think>1", 2, 0, false},
		{"none of them", 2, 0, true},
		{"7", 3, 0, true},
		{"0", 3, 0, true},
	}
	for _, tc := range cases {
		got, err := parseSelection(tc.reply, tc.n)
		if tc.wantErr {
			var parse *internal.JudgeParseError
			if !errors.As(err, &parse) {
				t.Errorf("parseSelection(%q): err = %v, want JudgeParseError", tc.reply, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseSelection(%q) = %d, %v; want %d", tc.reply, got, err, tc.want)
		}
	}
}

func TestFallbackLongest(t *testing.T) {
	cs := []Candidate{
		{Provider: "a", Text: "short"},
		{Provider: "b", Text: "much longer text"},
		{Provider: "c", Text: "mid length"},
	}
	if got := FallbackLongest(cs); got != 1 {
		t.Errorf("index = %d, want 1", got)
	}
	// Ties resolve to the lowest index.
	tie := []Candidate{{Text: "aaaa"}, {Text: "bbbb"}}
	if got := FallbackLongest(tie); got != 0 {
		t.Errorf("tie index = %d, want 0", got)
	}
}
