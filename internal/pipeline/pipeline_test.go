package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/backend"
	"github.com/tolmach-ai/tolmach/internal/consensus"
	"github.com/tolmach-ai/tolmach/internal/plugin"
	"github.com/tolmach-ai/tolmach/internal/verify"
)

// echoBackend answers every requested key with "<key>-<locale>" so tests can
// predict the output without a live model.
func echoBackend(record *[][]string) backend.Backend {
	mock := backend.NewMock("echo")
	mock.InvokeFunc = func(ctx context.Context, req backend.Request, h backend.StreamHandler) (*backend.Response, error) {
		var sb strings.Builder
		keys := make([]string, 0, len(req.Items))
		for _, item := range req.Items {
			keys = append(keys, item.Key)
			fmt.Fprintf(&sb, `<item key=%q>%s-%s</item>`, item.Key, item.Key, req.TargetLocale)
		}
		if record != nil {
			*record = append(*record, keys)
		}
		full := sb.String()
		if h.Text != nil {
			h.Text(full)
		}
		if h.Usage != nil {
			h.Usage(7, 11, true)
		}
		return &backend.Response{Text: full, InputTokens: 7, OutputTokens: 11}, nil
	}
	return mock
}

func newOrchestrator(t *testing.T, record *[][]string, extra ...plugin.Plugin) *Orchestrator {
	t.Helper()
	be := echoBackend(record)
	base := consensus.Config{
		Providers: []backend.ProviderConfig{{Vendor: "mock", Model: "echo"}},
		Retry:     verify.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Factory: func(backend.ProviderConfig) (backend.Backend, error) {
			return be, nil
		},
	}

	r := plugin.NewRegistry()
	if err := r.Register(NewMultiProvider(base, nil)); err != nil {
		t.Fatal(err)
	}
	for _, p := range extra {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	o, err := New(r)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestTranslate_SingleKeySingleProvider(t *testing.T) {
	o := newOrchestrator(t, nil)
	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})

	res, err := o.Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Translations["ko"]["greeting"]; got != "greeting-ko" {
		t.Errorf("translation = %q", got)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if !res.Usage.Final {
		t.Error("usage should be final after the run")
	}
	if res.Usage.InputTokens != 7 || res.Usage.OutputTokens != 11 {
		t.Errorf("usage = %+v, want the single call's totals counted once", res.Usage)
	}
}

// mapLookup serves the diff filter from a fixed (locale, key) table.
type mapLookup struct {
	name string
	hits map[string]string
}

func (m *mapLookup) Name() string { return m.name }

func (m *mapLookup) Existing(ctx context.Context, locale, key, source string) (string, bool) {
	text, ok := m.hits[locale+"/"+key]
	return text, ok
}

func TestTranslate_DiffFilterSkipsTranslatedKeys(t *testing.T) {
	var record [][]string
	lookup := &mapLookup{name: "catalog", hits: map[string]string{
		"ko/greeting": "안녕하세요",
	}}
	o := newOrchestrator(t, &record, NewDiffFilter(lookup))

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
		"farewell": {Text: "Goodbye"},
		"welcome":  {Text: "Welcome"},
	})

	res, err := o.Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dispatched := 0
	for _, batch := range record {
		dispatched += len(batch)
		for _, key := range batch {
			if key == "greeting" {
				t.Error("already-translated key was dispatched to the backend")
			}
		}
	}
	if dispatched != 2 {
		t.Errorf("dispatched %d keys, want 2", dispatched)
	}
	if got := res.Translations["ko"]["greeting"]; got != "안녕하세요" {
		t.Errorf("cached translation = %q", got)
	}
	if len(res.Translations["ko"]) != 3 {
		t.Errorf("result = %v, want all three keys", res.Translations["ko"])
	}
}

func TestTranslate_ChunkingSplitsBatches(t *testing.T) {
	var record [][]string
	// Budget fits roughly one entry per batch (12 overhead + text tokens).
	o := newOrchestrator(t, &record, NewChunking(16))

	req := internal.NewTranslationRequest("en", []string{"fr"}, map[string]internal.SourceEntry{
		"a": {Text: "alpha alpha alpha"},
		"b": {Text: "beta beta beta"},
		"c": {Text: "gamma gamma gamma"},
	})

	res, err := o.Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(record) != 3 {
		t.Errorf("backend calls = %d, want one per batch", len(record))
	}
	if len(res.Translations["fr"]) != 3 {
		t.Errorf("merged result = %v", res.Translations["fr"])
	}
}

func TestProcess_StreamsOutputsAndCloses(t *testing.T) {
	o := newOrchestrator(t, nil)
	req := internal.NewTranslationRequest("en", []string{"de", "fr"}, map[string]internal.SourceEntry{
		"a": {Text: "one"},
		"b": {Text: "two"},
	})

	var got []internal.TranslationOutput
	for out := range o.Process(context.Background(), req) {
		got = append(got, out)
	}
	if len(got) != 4 {
		t.Fatalf("outputs = %d, want one per (locale, key) pair", len(got))
	}
	seen := make(map[string]bool)
	for _, out := range got {
		seen[out.Locale+"/"+out.Key] = true
	}
	for _, want := range []string{"de/a", "de/b", "fr/a", "fr/b"} {
		if !seen[want] {
			t.Errorf("missing output %s", want)
		}
	}
}

// eventRecorder observes lifecycle events.
type eventRecorder struct {
	plugin.Base
	mu    sync.Mutex
	names []string
}

func (e *eventRecorder) Notify(event plugin.Event) {
	e.mu.Lock()
	e.names = append(e.names, event.Name)
	e.mu.Unlock()
}

func TestRun_LifecycleEvents(t *testing.T) {
	rec := &eventRecorder{Base: plugin.Base{PluginName: "recorder"}}
	o := newOrchestrator(t, nil, rec)

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})
	if _, err := o.Translate(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if len(rec.names) == 0 || rec.names[0] != EventStarted {
		t.Fatalf("events = %v, want %s first", rec.names, EventStarted)
	}
	if rec.names[len(rec.names)-1] != EventCompleted {
		t.Errorf("events = %v, want %s last", rec.names, EventCompleted)
	}
	found := false
	for _, n := range rec.names {
		if n == "stage."+StageTranslation+".completed" {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, missing translation stage completion", rec.names)
	}
}

// shortCircuit stops its stage's chain without calling onward.
type shortCircuit struct {
	plugin.Base
	stage string
}

func (s *shortCircuit) Stage() string { return s.stage }

func (s *shortCircuit) Handle(ctx context.Context, tc *internal.TranslationContext, next plugin.NextFunc) error {
	return nil
}

func TestRun_MiddlewareShortCircuitSkipsStageAction(t *testing.T) {
	var record [][]string
	o := newOrchestrator(t, &record, &shortCircuit{
		Base:  plugin.Base{PluginName: "gate"},
		stage: StageTranslation,
	})

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})
	res, err := o.Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(record) != 0 {
		t.Errorf("backend ran despite the short-circuit: %v", record)
	}
	// Validation still reports the untranslated key.
	keys := make([]string, 0)
	for _, w := range res.Warnings {
		if w.Code == internal.WarnMissingKey {
			keys = append(keys, w.Key)
		}
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "greeting" {
		t.Errorf("warnings = %v, want the skipped key reported", res.Warnings)
	}
}

// bootRecorder is a middleware whose per-run setup appends its name to a
// shared log.
type bootRecorder struct {
	plugin.Base
	log *[]string
	err error
}

func (b *bootRecorder) Stage() string { return StagePreProcess }

func (b *bootRecorder) Handle(ctx context.Context, tc *internal.TranslationContext, next plugin.NextFunc) error {
	return next(ctx)
}

func (b *bootRecorder) Boot(ctx context.Context, tc *internal.TranslationContext) error {
	*b.log = append(*b.log, b.PluginName)
	return b.err
}

func TestRun_BootsPluginsInDependencyOrder(t *testing.T) {
	var log []string
	// The dependent is registered first; the resolved order must still boot
	// its dependency ahead of it.
	dependent := &bootRecorder{
		Base: plugin.Base{PluginName: "writer", Dependencies: []string{"opener"}},
		log:  &log,
	}
	dependency := &bootRecorder{Base: plugin.Base{PluginName: "opener"}, log: &log}
	o := newOrchestrator(t, nil, dependent, dependency)

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})
	if _, err := o.Translate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0] != "opener" || log[1] != "writer" {
		t.Errorf("boot order = %v, want opener before writer", log)
	}
}

func TestRun_BootRunsOncePerRun(t *testing.T) {
	var log []string
	o := newOrchestrator(t, nil, &bootRecorder{Base: plugin.Base{PluginName: "setup"}, log: &log})

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})
	for i := 0; i < 2; i++ {
		if _, err := o.Translate(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if len(log) != 2 {
		t.Errorf("boot calls = %d, want exactly one per run", len(log))
	}
}

func TestRun_BootFailureAbortsBeforeBackendCall(t *testing.T) {
	var record [][]string
	var log []string
	o := newOrchestrator(t, &record, &bootRecorder{
		Base: plugin.Base{PluginName: "broken"},
		log:  &log,
		err:  errors.New("datastore unavailable"),
	})

	req := internal.NewTranslationRequest("en", []string{"ko"}, map[string]internal.SourceEntry{
		"greeting": {Text: "Hello"},
	})
	if _, err := o.Translate(context.Background(), req); err == nil {
		t.Fatal("expected the run to fail on boot")
	}
	if len(record) != 0 {
		t.Errorf("backend was called despite the boot failure: %v", record)
	}
}

func TestNew_RequiresTranslationProvider(t *testing.T) {
	r := plugin.NewRegistry()
	if _, err := New(r); err == nil {
		t.Error("construction should fail without a translation provider")
	}
}
