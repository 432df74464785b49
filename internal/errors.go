package internal

import (
	"fmt"
	"strings"
)

// VerificationError indicates a decoded result set failed structural
// checks (no item carried both a key and a value). It is retried locally
// and only surfaces once retries are exhausted.
type VerificationError struct {
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s", e.Message)
}

// ProviderError indicates a transport or vendor failure from one backend.
type ProviderError struct {
	Provider  string
	Message   string
	Cause     error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// UnconfiguredProviderError indicates the requested vendor or model is not
// recognized. It is fatal and never retried.
type UnconfiguredProviderError struct {
	Vendor string
}

func (e *UnconfiguredProviderError) Error() string {
	return fmt.Sprintf("unconfigured provider: %q", e.Vendor)
}

// JudgeParseError indicates the judge reply did not contain a usable
// selection. Non-fatal: it triggers the deterministic fallback and is
// recorded as a warning.
type JudgeParseError struct {
	Reply string
}

func (e *JudgeParseError) Error() string {
	reply := e.Reply
	if len(reply) > 80 {
		reply = reply[:80] + "…"
	}
	return fmt.Sprintf("judge reply not parseable: %q", reply)
}

// RetryExhaustedError carries the attempt count after the retry budget for
// one backend invocation is spent.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// CircularDependencyError reports an unsatisfiable plugin dependency graph.
// Fatal at startup, never retried.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular plugin dependency: %s", strings.Join(e.Cycle, " -> "))
}
