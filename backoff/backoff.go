// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backoff provides the two retry-pacing primitives the rest of the
// concurrency core builds on: an exponential CPU-pause backoff for tight
// spin loops, and a hybrid spin/yield/sleep backoff for longer waits.
package backoff

import (
	"runtime"
	"time"

	"code.hybscloud.com/spin"
)

// relax emits one CPU-pause hint, falling back to a scheduler yield on
// platforms without one. It delegates to [code.hybscloud.com/spin], the
// same pause primitive the lfq ring queues spin on internally.
func relax() {
	sw := spin.Wait{}
	sw.Once()
}

// Backoff is the common interface the blocking and adaptive adapters spin
// with: a single call paces one retry attempt, and Reset returns the
// backoff to its initial state for the next independent wait.
type Backoff interface {
	Wait()
	Reset()
}

// Exponential doubles its spin count on every call, up to Ceiling, and
// resets to 1 on Reset. The zero value is ready to use with the default
// ceiling of 64.
type Exponential struct {
	Ceiling uint
	spins   uint
}

// NewExponential returns an Exponential backoff with the given spin
// ceiling. A ceiling of 0 uses the default of 64.
func NewExponential(ceiling uint) *Exponential {
	if ceiling == 0 {
		ceiling = 64
	}
	return &Exponential{Ceiling: ceiling}
}

// Wait emits the current spin count worth of CPU-pause hints, then doubles
// the spin count up to Ceiling.
func (b *Exponential) Wait() {
	if b.spins == 0 {
		b.spins = 1
	}
	ceiling := b.Ceiling
	if ceiling == 0 {
		ceiling = 64
	}
	for i := uint(0); i < b.spins; i++ {
		relax()
	}
	if b.spins < ceiling {
		b.spins <<= 1
	}
}

// Reset returns the spin count to 1.
func (b *Exponential) Reset() { b.spins = 1 }

// Hybrid escalates through three phases as contention persists: CPU-pause
// spinning up to SpinCeiling calls, goroutine yielding for the next
// YieldThreshold calls, then sleeping ~50us per call while holding at the
// yield phase so it never reaches unbounded sleep growth.
type Hybrid struct {
	SpinCeiling    uint
	YieldThreshold uint
	calls          uint
}

// NewHybrid returns a Hybrid backoff with the given phase widths. A zero
// spinCeiling defaults to 128 and a zero yieldThreshold defaults to 32,
// matching the original implementation's constants.
func NewHybrid(spinCeiling, yieldThreshold uint) *Hybrid {
	if spinCeiling == 0 {
		spinCeiling = 128
	}
	if yieldThreshold == 0 {
		yieldThreshold = 32
	}
	return &Hybrid{SpinCeiling: spinCeiling, YieldThreshold: yieldThreshold}
}

// Wait advances one step through the spin/yield/sleep phases.
func (b *Hybrid) Wait() {
	switch {
	case b.calls < b.SpinCeiling:
		relax()
	case b.calls < b.SpinCeiling+b.YieldThreshold:
		runtime.Gosched()
	default:
		time.Sleep(50 * time.Microsecond)
		b.calls = b.SpinCeiling + b.YieldThreshold - 1
	}
	b.calls++
}

// Reset returns the phase counter to the spin phase.
func (b *Hybrid) Reset() { b.calls = 0 }
