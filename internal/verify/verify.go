// Package verify wraps a single backend invocation in structural
// verification and an exponential-backoff retry loop.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tolmach-ai/tolmach/internal"
	"github.com/tolmach-ai/tolmach/internal/detector"
	"github.com/tolmach-ai/tolmach/internal/placeholder"
)

// Config bounds and parameterizes the loop.
type Config struct {
	// MaxAttempts is the total attempt budget, >= 1.
	MaxAttempts int
	// BaseDelay is the first backoff delay; doubled each retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// KeyPrefix, when set, was prepended as "<prefix>/" to every key before
	// dispatch and is stripped from emitted items before verification.
	KeyPrefix string

	// TargetLocale enables the wrong-language warning when Detector is set.
	TargetLocale string
	Detector     *detector.Detector

	Logger *slog.Logger
}

// DefaultConfig returns the retry parameters used when a caller passes
// zero values.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Attempt performs one backend invocation and returns the decoded items.
type Attempt func(ctx context.Context) ([]internal.LocalizedItem, error)

// Result is a verified item set. Missing and extra keys are warnings, not
// failures: a partial result is still usable.
type Result struct {
	Items    []internal.LocalizedItem
	Warnings []internal.Warning
	Attempts int
}

// Run invokes attempt up to cfg.MaxAttempts times. A result set in which no
// item carries both a key and a value fails verification and is retried
// like a transport error. When the budget is spent, the typed failure
// carries the attempt count.
func Run(ctx context.Context, cfg Config, sources map[string]internal.SourceEntry, attempt Attempt) (*Result, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for n := 1; n <= cfg.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		items, err := attempt(ctx)
		if err == nil {
			res, verr := cfg.check(items, sources)
			if verr == nil {
				res.Attempts = n
				return res, nil
			}
			err = verr
		}
		lastErr = err

		// A dead parent context ends the loop; a per-attempt timeout is a
		// provider failure and stays subject to the retry rules.
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if !retryable(err) {
			return nil, err
		}
		if n == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay << (n - 1)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		logger.Warn("attempt failed, retrying",
			"attempt", n, "budget", cfg.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &internal.RetryExhaustedError{Attempts: cfg.MaxAttempts, Last: lastErr}
}

// check strips the key prefix, applies the structural rules and collects
// warnings against the source key set.
func (cfg Config) check(items []internal.LocalizedItem, sources map[string]internal.SourceEntry) (*Result, error) {
	usable := false
	for _, it := range items {
		if it.Key != "" && it.Text != "" {
			usable = true
			break
		}
	}
	if !usable {
		return nil, &internal.VerificationError{
			Message: fmt.Sprintf("no usable item among %d decoded", len(items)),
		}
	}

	res := &Result{}
	seen := make(map[string]bool, len(items))

	for _, it := range items {
		it.Key = stripPrefix(it.Key, cfg.KeyPrefix)

		if it.Key == "" || it.Text == "" {
			what := "text"
			if it.Key == "" {
				what = "key"
			}
			res.Warnings = append(res.Warnings, internal.Warning{
				Locale:  cfg.TargetLocale,
				Key:     it.Key,
				Code:    internal.WarnEmptyItem,
				Message: "dropped item with empty " + what,
			})
			continue
		}

		src, known := sources[it.Key]
		if !known {
			res.Warnings = append(res.Warnings, internal.Warning{
				Locale:  cfg.TargetLocale,
				Key:     it.Key,
				Code:    internal.WarnExtraKey,
				Message: "backend emitted a key not present in the request",
			})
			continue
		}
		if seen[it.Key] {
			continue
		}
		seen[it.Key] = true

		if missing := placeholder.Missing(src.Text, it.Text); len(missing) > 0 {
			res.Warnings = append(res.Warnings, internal.Warning{
				Locale:  cfg.TargetLocale,
				Key:     it.Key,
				Code:    internal.WarnPlaceholder,
				Message: fmt.Sprintf("translation lost placeholders: %s", strings.Join(missing, ", ")),
			})
		}
		if cfg.Detector != nil && !cfg.Detector.Matches(it.Text, cfg.TargetLocale) {
			res.Warnings = append(res.Warnings, internal.Warning{
				Locale:  cfg.TargetLocale,
				Key:     it.Key,
				Code:    internal.WarnWrongLanguage,
				Message: "translation does not appear to be in the target language",
			})
		}

		res.Items = append(res.Items, it)
	}

	for key := range sources {
		if !seen[key] {
			res.Warnings = append(res.Warnings, internal.Warning{
				Locale:  cfg.TargetLocale,
				Key:     key,
				Code:    internal.WarnMissingKey,
				Message: "backend emitted no translation for this key",
			})
		}
	}

	if len(res.Items) == 0 {
		return nil, &internal.VerificationError{Message: "every decoded item was dropped"}
	}
	return res, nil
}

func stripPrefix(key, prefix string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

// retryable classifies errors: verification failures and transport errors
// retry, timed-out attempts included; configuration errors never do. The
// caller's own cancellation is checked against the parent context in Run,
// not here, so a deadline wrapped by a provider error does not mask the
// provider's retry classification.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var unconfigured *internal.UnconfiguredProviderError
	if errors.As(err, &unconfigured) {
		return false
	}
	var provider *internal.ProviderError
	if errors.As(err, &provider) {
		return provider.Retryable
	}
	// Verification failures and anything unclassified retry.
	return true
}
