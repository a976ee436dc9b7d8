// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ordered provides a per-connection ordered callback buffer: work
// submitted to a thread pool can complete out of order, but a connection's
// replies must leave in the order their requests arrived. Buffer gives each
// connection a small reservation window so a completion can be parked until
// every earlier sequence number has been released.
package ordered

import "sync/atomic"

// Buffer is a fixed-size ring of sequence-numbered callback slots. It is
// built for single-producer reservation with possibly-multi-producer
// completion pushes and single-consumer (the owning I/O reactor) drains —
// see Push and Drain for the exact concurrency each permits.
type Buffer struct {
	window uint64
	mask   uint64
	slots  []slot

	base         uint64
	nextExpected uint64
}

type slot struct {
	reserved atomic.Bool // CAS gate: claims the slot, detects collisions
	ready    atomic.Bool // publishes cb to Drain once true
	cb       func()
}

// New creates a Buffer whose window is 1<<windowPower slots.
func New(windowPower uint) *Buffer {
	window := uint64(1) << windowPower
	return &Buffer{
		window: window,
		mask:   window - 1,
		slots:  make([]slot, window),
	}
}

// Push reserves seq's slot with cb. It returns false if seq is already
// released (seq < base), if seq falls outside the current window (seq >=
// base + window, i.e. the producer is running too far ahead), or if the
// slot is already reserved (a collision, meaning the window is too small
// for the in-flight span). On success the slot's reserved flag flips from
// false to true via CAS, the callback is stored, and only then is the
// slot published ready for Drain.
//
// Push itself is safe to call concurrently for distinct seq values from
// multiple completion goroutines; the sequence number, not a lock, is what
// serializes access to each slot. The reserved-flag CAS, not the ready
// flag, is what detects a collision — cb is written only after the CAS
// succeeds and the ready flag is set only after cb is written, so Drain
// never observes ready without also observing cb.
func (b *Buffer) Push(seq uint64, cb func()) bool {
	if seq < b.base {
		return false
	}
	if seq >= b.base+b.window {
		return false
	}
	s := &b.slots[seq&b.mask]
	if !s.reserved.CompareAndSwap(false, true) {
		return false
	}
	s.cb = cb
	s.ready.Store(true)
	return true
}

// Drain releases callbacks strictly in ascending sequence order: while
// base < nextExpected and the base slot is ready (and, if limit > 0,
// processed < limit), it takes ownership of the callback, clears the slot,
// advances base, and invokes consume with it. It returns the number
// processed. Drain must be called from a single goroutine (the owning I/O
// reactor) — it is the only operation that advances base.
func (b *Buffer) Drain(consume func(func()), limit int) int {
	processed := 0
	for {
		if limit > 0 && processed >= limit {
			break
		}
		seq := b.base
		if seq >= b.nextExpected {
			break
		}
		s := &b.slots[seq&b.mask]
		if !s.ready.Load() {
			break
		}
		cb := s.cb
		s.cb = nil
		s.ready.Store(false)
		s.reserved.Store(false)
		b.base++
		if cb != nil {
			consume(cb)
		}
		processed++
	}
	return processed
}

// ExpectUntil advances the exclusive upper bound on assigned sequences.
// Call it once the I/O reactor knows how many requests it has dispatched
// for this connection so far.
func (b *Buffer) ExpectUntil(nextSeqExclusive uint64) {
	b.nextExpected = nextSeqExclusive
}

// Base returns the next sequence number Drain will release.
func (b *Buffer) Base() uint64 {
	return b.base
}
