/*
Copyright © 2026 Tolmach Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/backend"
	"github.com/tolmach-ai/tolmach/internal/cache"
	"github.com/tolmach-ai/tolmach/internal/catalog"
	"github.com/tolmach-ai/tolmach/internal/consensus"
	"github.com/tolmach-ai/tolmach/internal/detector"
	"github.com/tolmach-ai/tolmach/internal/pipeline"
	"github.com/tolmach-ai/tolmach/internal/plugin"
	"github.com/tolmach-ai/tolmach/internal/store"
	"github.com/tolmach-ai/tolmach/internal/verify"
)

var (
	inputFile  string
	outputTmpl string

	sourceLocale  string
	targetLocales []string

	providerSpecs []string
	judgeSpec     string
	sequential    bool
	noFallback    bool

	temperature     float32
	maxTokens       int
	reasoningBudget int
	callTimeout     time.Duration
	maxRetries      int
	chunkBudget     int
	keyPrefix       string

	dbPath   string
	redisURL string
	noCache  bool

	showProgress bool
)

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate a localization catalog",
	Long: `Translate a source catalog into one or more target locales.

The source file format is chosen by extension (.json, .po, .md). Each
target locale is written through the output template, with {locale}
replaced by the locale code:

  tolmach translate -i en.json -o locales/{locale}.json \
      --source en --targets de,fr,uk \
      --providers openai:gpt-4o,ollama:llama3 --judge openai:gpt-4o

Keys whose target translation already exists are skipped (diff
filtering); translations are remembered in the local translation memory
and, when configured, a shared Redis cache.`,
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringVarP(&inputFile, "input", "i", "", "source catalog file (required)")
	translateCmd.Flags().StringVarP(&outputTmpl, "output", "o", "", "output path template containing {locale} (required)")
	translateCmd.Flags().StringVar(&sourceLocale, "source", "auto", "source locale code")
	translateCmd.Flags().StringSliceVar(&targetLocales, "targets", nil, "target locale codes (required)")

	translateCmd.Flags().StringSliceVar(&providerSpecs, "providers", nil, "backend specs, vendor:model (required)")
	translateCmd.Flags().StringVar(&judgeSpec, "judge", "", "judge backend spec for consensus, vendor:model")
	translateCmd.Flags().BoolVar(&sequential, "sequential", false, "run providers one at a time instead of in parallel")
	translateCmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail a locale when any provider fails")

	translateCmd.Flags().Float32Var(&temperature, "temperature", 0.3, "sampling temperature")
	translateCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion token budget, 0 = vendor default")
	translateCmd.Flags().IntVar(&reasoningBudget, "reasoning-budget", 0, "extended reasoning budget for capable models")
	translateCmd.Flags().DurationVar(&callTimeout, "timeout", 120*time.Second, "per-call timeout")
	translateCmd.Flags().IntVar(&maxRetries, "retries", 3, "attempt budget per backend call")
	translateCmd.Flags().IntVar(&chunkBudget, "chunk-budget", 0, "approximate source tokens per batch, 0 = default")
	translateCmd.Flags().StringVar(&keyPrefix, "key-prefix", "", "prefix added to keys to disambiguate short keys")

	translateCmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "sqlite database path, empty disables the store")
	translateCmd.Flags().StringVar(&redisURL, "redis-url", "", "redis URL for the shared cache")
	translateCmd.Flags().BoolVar(&noCache, "no-cache", false, "skip cache and translation memory lookups")

	translateCmd.Flags().BoolVar(&showProgress, "progress", true, "print progress to stderr")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	if inputFile == "" || outputTmpl == "" {
		return fmt.Errorf("--input and --output are required")
	}
	if len(targetLocales) == 0 {
		return fmt.Errorf("at least one target locale is required")
	}
	if !strings.Contains(outputTmpl, "{locale}") {
		return fmt.Errorf("--output must contain {locale}")
	}

	providers, err := parseProviderSpecs(providerSpecs, temperature, maxTokens, callTimeout)
	if err != nil {
		return err
	}
	for i := range providers {
		providers[i].ReasoningBudget = reasoningBudget
	}
	var judge *backend.ProviderConfig
	if judgeSpec != "" {
		jc, err := parseProviderSpec(judgeSpec, temperature, maxTokens, callTimeout)
		if err != nil {
			return err
		}
		if jc.Vendor == backend.VendorGoogleMT || jc.Vendor == backend.VendorMyMemory {
			return fmt.Errorf("%s cannot rank candidates and is not usable as judge", jc.Vendor)
		}
		judge = &jc
	}

	source, err := catalog.Open(inputFile)
	if err != nil {
		return err
	}
	entries := make(map[string]internal.SourceEntry)
	for key, e := range source.Flatten() {
		entries[key] = internal.SourceEntry{Text: e.Text, Context: e.Context}
	}
	if len(entries) == 0 {
		return fmt.Errorf("no translatable entries in %s", inputFile)
	}

	targets := make(map[string]catalog.Transformer, len(targetLocales))
	for _, locale := range targetLocales {
		t, err := catalog.Open(strings.ReplaceAll(outputTmpl, "{locale}", locale))
		if err != nil {
			return err
		}
		targets[locale] = t
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var db *store.Store
	if dbPath != "" {
		db, err = store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
	}

	var shared cache.Cache
	if redisURL != "" {
		shared, err = cache.NewRedis(cache.RedisConfig{URL: redisURL})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		shared = cache.NewMemory()
	}
	defer shared.Close()

	var lookups []pipeline.Lookup
	lookups = append(lookups, &catalogLookup{targets: targets})
	if !noCache {
		lookups = append(lookups, cache.NewLookup(shared))
		if db != nil {
			lookups = append(lookups, db.AsLookup(sourceLocale))
		}
	}

	events := consensus.Events{}
	if showProgress {
		events.ItemTranslated = func(locale, key, text, provider string) {
			fmt.Fprintf(os.Stderr, "  %s/%s  (%s)\n", locale, key, provider)
		}
		events.ReasoningStart = func(locale, provider string) {
			fmt.Fprintf(os.Stderr, "  %s: %s thinking...\n", locale, provider)
		}
	}

	engineCfg := consensus.Config{
		Providers:         providers,
		Judge:             judge,
		Parallel:          !sequential,
		FallbackOnFailure: !noFallback,
		KeyPrefix:         keyPrefix,
		Retry: verify.Config{
			MaxAttempts: maxRetries,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		TargetDetector: detector.New(),
		Events:         events,
		Logger:         slog.Default(),
	}
	if db != nil {
		engineCfg.Auditor = db
	}

	var rules pipeline.RuleSource
	if db != nil {
		rules = db
	}

	registry := plugin.NewRegistry()
	for _, p := range []plugin.Plugin{
		pipeline.NewDiffFilter(lookups...),
		pipeline.NewChunking(chunkBudget),
		pipeline.NewMultiProvider(engineCfg, rules),
	} {
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	if showProgress {
		if err := registry.Register(&progressObserver{
			Base: plugin.Base{PluginName: "progress"},
		}); err != nil {
			return err
		}
	}

	orch, err := pipeline.New(registry, pipeline.WithLogger(slog.Default()))
	if err != nil {
		return err
	}

	req := internal.NewTranslationRequest(sourceLocale, targetLocales, entries)
	result, err := orch.Translate(ctx, req)
	if err != nil {
		return err
	}

	for locale, byKey := range result.Translations {
		target := targets[locale]
		for key, text := range byKey {
			if err := target.UpdateString(key, text); err != nil {
				return fmt.Errorf("failed to update %s/%s: %w", locale, key, err)
			}
			if db != nil {
				src := entries[key].Text
				if err := db.Remember(ctx, src, sourceLocale, locale, text, "engine"); err != nil {
					slog.Warn("memory write failed", "locale", locale, "key", key, "error", err)
				}
			}
			if !noCache {
				if err := shared.Set(ctx, cache.Key(entries[key].Text, locale), text); err != nil {
					slog.Warn("cache write failed", "locale", locale, "key", key, "error", err)
				}
			}
		}
		if err := target.Save(); err != nil {
			return fmt.Errorf("failed to save %s catalog: %w", locale, err)
		}
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: [%s] %s/%s: %s\n", w.Code, w.Locale, w.Key, w.Message)
	}
	fmt.Printf("Translated %d key(s) into %d locale(s); %d input + %d output tokens\n",
		len(entries), len(targetLocales), result.Usage.InputTokens, result.Usage.OutputTokens)
	return nil
}

// catalogLookup answers the diff filter from the target catalogs themselves:
// a key already translated in the target file is current and skipped.
type catalogLookup struct {
	targets map[string]catalog.Transformer
}

func (l *catalogLookup) Name() string { return "catalog" }

func (l *catalogLookup) Existing(ctx context.Context, locale, key, source string) (string, bool) {
	t, ok := l.targets[locale]
	if !ok || !t.IsTranslated(key) {
		return "", false
	}
	return t.Flatten()[key].Text, true
}

// progressObserver prints lifecycle events as stderr lines.
type progressObserver struct {
	plugin.Base
}

func (p *progressObserver) Notify(event plugin.Event) {
	switch event.Name {
	case pipeline.EventStarted:
		fmt.Fprintln(os.Stderr, "translation started")
	case pipeline.EventCompleted:
		fmt.Fprintln(os.Stderr, "translation completed")
	case pipeline.EventError:
		fmt.Fprintf(os.Stderr, "translation failed: %v\n", event.Payload)
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tolmach.db"
	}
	return home + "/.tolmach.db"
}
