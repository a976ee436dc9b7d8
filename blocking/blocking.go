// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blocking adapts any non-blocking try-push/try-pop queue — the
// bounded rings in [code.hybscloud.com/lfq], or
// [github.com/qxt-code/file-server/lqueue] through a thin try-style shim —
// into one with blocking Push/Pop semantics: spin briefly with a
// [github.com/qxt-code/file-server/backoff] backoff, then fall back to a
// condition variable so the caller never burns a core waiting on a queue
// that is unlikely to change state soon.
package blocking

import (
	"sync"
	"time"

	"github.com/qxt-code/file-server/backoff"
)

// TryQueue is the non-blocking interface this package wraps. It matches
// [code.hybscloud.com/lfq]'s queue types structurally, so any lfq queue can
// be passed to [New] without an adapter.
type TryQueue[T any] interface {
	Enqueue(elem *T) error
	Dequeue() (T, error)
}

// spinAttemptsBeforeBlock is the number of backoff-paced retries attempted
// before falling back to a condition-variable wait.
const spinAttemptsBeforeBlock = 128

// Queue wraps an inner [TryQueue] with blocking Push/Pop. The zero value is
// not usable; construct with [New].
type Queue[T any] struct {
	inner TryQueue[T]

	mu        sync.Mutex
	notEmpty  sync.Cond
	notFull   sync.Cond
	newBackoff func() backoff.Backoff
}

// New wraps inner with blocking semantics, using an [backoff.Exponential]
// with default ceiling for the spin phase.
func New[T any](inner TryQueue[T]) *Queue[T] {
	return NewWithBackoff(inner, func() backoff.Backoff { return backoff.NewExponential(0) })
}

// NewWithBackoff wraps inner with blocking semantics using a caller-supplied
// backoff factory for the spin phase; a new backoff is created per call so
// concurrent callers don't share spin state.
func NewWithBackoff[T any](inner TryQueue[T], newBackoff func() backoff.Backoff) *Queue[T] {
	q := &Queue[T]{inner: inner, newBackoff: newBackoff}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push blocks until v is enqueued. It always returns true; Push never fails
// on an unbounded or unsaturated queue, and blocks indefinitely on a full
// bounded one.
func (q *Queue[T]) Push(v T) bool {
	if q.inner.Enqueue(&v) == nil {
		q.notifyNotEmpty()
		return true
	}
	bk := q.newBackoff()
	for i := 0; i < spinAttemptsBeforeBlock; i++ {
		bk.Wait()
		if q.inner.Enqueue(&v) == nil {
			q.notifyNotEmpty()
			return true
		}
	}
	q.mu.Lock()
	for q.inner.Enqueue(&v) != nil {
		q.notFull.Wait()
	}
	q.mu.Unlock()
	q.notifyNotEmpty()
	return true
}

// PushUntil blocks until v is enqueued or deadline elapses, whichever comes
// first. It returns false if the deadline elapsed before v could be
// enqueued.
func (q *Queue[T]) PushUntil(v T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if q.inner.Enqueue(&v) == nil {
		q.notifyNotEmpty()
		return true
	}
	bk := q.newBackoff()
	for i := 0; i < spinAttemptsBeforeBlock; i++ {
		bk.Wait()
		if q.inner.Enqueue(&v) == nil {
			q.notifyNotEmpty()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
	q.mu.Lock()
	for q.inner.Enqueue(&v) != nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return false
		}
		if !condWaitTimeout(&q.notFull, &q.mu, remaining) {
			q.mu.Unlock()
			return false
		}
	}
	q.mu.Unlock()
	q.notifyNotEmpty()
	return true
}

// Pop blocks until a value can be dequeued.
func (q *Queue[T]) Pop() T {
	if v, err := q.inner.Dequeue(); err == nil {
		q.notifyNotFull()
		return v
	}
	bk := q.newBackoff()
	for i := 0; i < spinAttemptsBeforeBlock; i++ {
		bk.Wait()
		if v, err := q.inner.Dequeue(); err == nil {
			q.notifyNotFull()
			return v
		}
	}
	q.mu.Lock()
	for {
		v, err := q.inner.Dequeue()
		if err == nil {
			q.mu.Unlock()
			q.notifyNotFull()
			return v
		}
		q.notEmpty.Wait()
	}
}

// PopUntil blocks until a value can be dequeued or deadline elapses. ok is
// false if the deadline elapsed with nothing to dequeue.
func (q *Queue[T]) PopUntil(timeout time.Duration) (v T, ok bool) {
	deadline := time.Now().Add(timeout)
	if val, err := q.inner.Dequeue(); err == nil {
		q.notifyNotFull()
		return val, true
	}
	bk := q.newBackoff()
	for i := 0; i < spinAttemptsBeforeBlock; i++ {
		bk.Wait()
		if val, err := q.inner.Dequeue(); err == nil {
			q.notifyNotFull()
			return val, true
		}
		if time.Now().After(deadline) {
			var zero T
			return zero, false
		}
	}
	q.mu.Lock()
	for {
		val, err := q.inner.Dequeue()
		if err == nil {
			q.mu.Unlock()
			q.notifyNotFull()
			return val, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		if !condWaitTimeout(&q.notEmpty, &q.mu, remaining) {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
	}
}

// Underlying returns the wrapped non-blocking queue.
func (q *Queue[T]) Underlying() TryQueue[T] { return q.inner }

func (q *Queue[T]) notifyNotEmpty() {
	q.mu.Lock()
	q.notEmpty.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) notifyNotFull() {
	q.mu.Lock()
	q.notFull.Signal()
	q.mu.Unlock()
}

// condWaitTimeout waits on c, which must guard by mu already held by the
// caller, until signaled or d elapses. It reports whether the wake was a
// genuine signal rather than the timeout firing; on timeout the mutex is
// re-acquired before returning, matching sync.Cond.Wait's contract that mu
// is held on return.
func condWaitTimeout(c *sync.Cond, mu *sync.Mutex, d time.Duration) bool {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		timedOut = true
		c.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	c.Wait()
	return !timedOut
}
