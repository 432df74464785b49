// Package tokenusage accumulates token counts reported incrementally by
// backend calls. Partial updates are commutative sums; the authoritative
// end-of-call total replaces a unit's partial estimates and may be reported
// at most once per unit.
package tokenusage

import (
	"sync"

	"github.com/tolmach-ai/tolmach/internal"
)

// Accumulator tracks running token totals across concurrent units of work.
type Accumulator struct {
	mu        sync.Mutex
	units     int
	finalized int
	input     int
	output    int

	onUpdate func(internal.TokenUsage)
}

// New returns an empty Accumulator. onUpdate, when non-nil, is invoked with
// a snapshot after every partial or final report.
func New(onUpdate func(internal.TokenUsage)) *Accumulator {
	return &Accumulator{onUpdate: onUpdate}
}

// Unit opens a new unit of work (one backend call). The returned Unit is
// owned by the goroutine driving that call.
func (a *Accumulator) Unit() *Unit {
	a.mu.Lock()
	a.units++
	a.mu.Unlock()
	return &Unit{acc: a}
}

// Total returns the current snapshot. Final is true only once every opened
// unit has reported its authoritative total.
func (a *Accumulator) Total() internal.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Accumulator) snapshotLocked() internal.TokenUsage {
	return internal.TokenUsage{
		InputTokens:  a.input,
		OutputTokens: a.output,
		TotalTokens:  a.input + a.output,
		Final:        a.units > 0 && a.finalized == a.units,
	}
}

func (a *Accumulator) apply(dIn, dOut int, final bool) {
	a.mu.Lock()
	a.input += dIn
	a.output += dOut
	if final {
		a.finalized++
	}
	snap := a.snapshotLocked()
	cb := a.onUpdate
	a.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

// Unit is the per-call contribution to an Accumulator.
type Unit struct {
	acc    *Accumulator
	mu     sync.Mutex
	input  int
	output int
	final  bool
}

// Add records a partial (in-flight) delta of token counts.
func (u *Unit) Add(input, output int) {
	u.mu.Lock()
	if u.final {
		u.mu.Unlock()
		return
	}
	u.input += input
	u.output += output
	u.mu.Unlock()
	u.acc.apply(input, output, false)
}

// Finalize replaces the unit's partial estimates with the authoritative
// end-of-call totals. Subsequent calls are no-ops.
func (u *Unit) Finalize(input, output int) {
	u.mu.Lock()
	if u.final {
		u.mu.Unlock()
		return
	}
	dIn := input - u.input
	dOut := output - u.output
	u.input = input
	u.output = output
	u.final = true
	u.mu.Unlock()
	u.acc.apply(dIn, dOut, true)
}
