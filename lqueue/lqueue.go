// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lqueue provides an unbounded, Michael-Scott-style linked MPMC
// queue. Unlike the bounded rings in
// [code.hybscloud.com/lfq], lqueue never reports
// backpressure on push — it grows a node per enqueued element, for paths
// that must never reject work outright. Popped dummy nodes are retired
// through [github.com/qxt-code/file-server/ebr] with a no-op deleter: the
// garbage collector still frees them, and retirement only drives the
// domain's epoch bookkeeping.
package lqueue

import (
	"sync/atomic"
	"unsafe"

	"github.com/qxt-code/file-server/ebr"
)

type node[T any] struct {
	next     atomic.Pointer[node[T]]
	value    T
	hasValue bool
}

// Queue is an unbounded multi-producer multi-consumer FIFO queue. The zero
// value is not usable; construct with [New].
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]

	domain *ebr.Domain
}

// New returns an empty queue backed by its own epoch domain.
func New[T any]() *Queue[T] {
	dummy := &node[T]{}
	q := &Queue[T]{domain: ebr.NewDomain()}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// NewWithDomain returns an empty queue that registers its participants on a
// caller-supplied epoch domain, letting several queues amortize reclamation
// bookkeeping over one set of registered worker goroutines.
func NewWithDomain[T any](domain *ebr.Domain) *Queue[T] {
	dummy := &node[T]{}
	q := &Queue[T]{domain: domain}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// Producer registers a new participant for use by one push-only goroutine.
// Push does not require pinning — new nodes are never visible to a retiring
// pop before their CAS publishes them — but callers that share a domain
// across a queue's push and pop sides still need one Participant per
// long-lived goroutine.
func (q *Queue[T]) Producer() *ebr.Participant { return q.domain.Register() }

// Consumer registers a new participant for use by one pop-only goroutine.
// The returned Participant must be reused by that goroutine across calls to
// Pop; registering a fresh one per call defeats epoch tracking entirely.
func (q *Queue[T]) Consumer() *ebr.Participant { return q.domain.Register() }

// Push appends val to the tail of the queue. It always succeeds; there is
// no bound on the number of outstanding nodes.
func (q *Queue[T]) Push(val T) {
	newNode := &node[T]{value: val, hasValue: true}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, newNode) {
				q.tail.CompareAndSwap(tail, newNode)
				return
			}
		} else {
			// Another pusher published a node but hasn't swung the tail
			// pointer yet; help it along before retrying.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Pop removes and returns the queue's oldest value. It returns false if the
// queue was empty at the time of the call. p must be a Participant returned
// by [Queue.Consumer] (or [Queue.Producer] if domains are shared) and owned
// by the calling goroutine.
func (q *Queue[T]) Pop(p *ebr.Participant) (T, bool) {
	guard := p.Pin()
	defer guard.Unpin()

	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return zero, false
			}
			// Tail lags behind a published node; help swing it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			val := next.value
			next.value = zero
			next.hasValue = false
			// Go's GC already keeps head alive for as long as any reader
			// holds it; retiring here exists to drive the domain's epoch
			// bookkeeping for callers layering a pooled-node allocator on
			// top, not to avoid a use-after-free.
			p.Retire(unsafe.Pointer(head), func(unsafe.Pointer) {})
			return val, true
		}
	}
}

// Empty reports whether the queue currently has no elements. The result may
// be stale immediately after it is observed under concurrent pushes or pops.
func (q *Queue[T]) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Close reclaims every node retired so far, bypassing the epoch lag. Call
// only after all producers and consumers have stopped using the queue.
func (q *Queue[T]) Close() {
	q.domain.DrainAll()
}
