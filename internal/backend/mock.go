package backend

import (
	"context"
	"strings"
	"sync/atomic"
)

// MockBackend replays a scripted chunk sequence. It backs the package tests
// and the engine tests in consensus and pipeline.
type MockBackend struct {
	name   string
	chunks []string
	errs   []error
	usage  [2]int

	calls atomic.Int32

	// InvokeFunc, when set, overrides the scripted behavior entirely.
	InvokeFunc func(ctx context.Context, req Request, h StreamHandler) (*Response, error)
}

// NewMock returns a backend that streams the given chunks on every call.
func NewMock(name string, chunks ...string) *MockBackend {
	return &MockBackend{name: name, chunks: chunks, usage: [2]int{10, 20}}
}

// FailTimes arranges for the first n calls to return err before the
// scripted chunks start succeeding.
func (b *MockBackend) FailTimes(n int, err error) *MockBackend {
	b.errs = make([]error, n)
	for i := range b.errs {
		b.errs[i] = err
	}
	return b
}

// WithUsage sets the token counts reported on completion.
func (b *MockBackend) WithUsage(input, output int) *MockBackend {
	b.usage = [2]int{input, output}
	return b
}

func (b *MockBackend) Name() string {
	return b.name
}

// Calls returns how many times Invoke ran.
func (b *MockBackend) Calls() int {
	return int(b.calls.Load())
}

func (b *MockBackend) Invoke(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	call := int(b.calls.Add(1)) - 1
	if b.InvokeFunc != nil {
		return b.InvokeFunc(ctx, req, h)
	}
	if call < len(b.errs) {
		return nil, b.errs[call]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var full strings.Builder
	for _, chunk := range b.chunks {
		full.WriteString(chunk)
		h.text(chunk)
	}
	h.usage(b.usage[0], b.usage[1], true)

	return &Response{
		Text:         full.String(),
		InputTokens:  b.usage[0],
		OutputTokens: b.usage[1],
	}, nil
}
