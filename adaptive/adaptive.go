// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package adaptive wraps a try-push/try-pop queue with a Spin/Block state
// machine that favors spinning under light contention and blocking under
// heavy contention, instead of the fixed spin-then-block schedule in
// [github.com/qxt-code/file-server/blocking]. Contention is tracked as an
// exponential moving average of per-goroutine failure rates, aggregated
// through a small set of shards to keep the hot path CAS-light.
package adaptive

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/qxt-code/file-server/backoff"
)

// TryQueue is the non-blocking interface this package wraps.
type TryQueue[T any] interface {
	Enqueue(elem *T) error
	Dequeue() (T, error)
}

// Sizer is an optional interface a wrapped queue may implement to report
// its current length, enabling fullness-based adaptation in addition to
// failure-rate-based adaptation. lfq's bounded queues intentionally omit a
// length method (accurate counts need cross-core synchronization the
// algorithm avoids), so fullness tracking is a no-op unless the wrapped
// queue opts in. Fullness is recorded only when the wrapped queue also has
// a Cap() int method returning a positive capacity.
type Sizer interface {
	Len() int
}

const shardCount = 16

// scale and unscale convert between float64 rates/fractions and the scaled
// uint64 representation stored in atomics, avoiding floating-point atomics.
const scaleFactor = 100000

func scale(v float64) uint64   { return uint64(v * scaleFactor) }
func unscale(v uint64) float64 { return float64(v) / scaleFactor }

// Mode is the adaptive queue's current contention-response state.
type Mode uint8

const (
	ModeSpin Mode = iota
	ModeBlock
)

func (m Mode) String() string {
	if m == ModeBlock {
		return "block"
	}
	return "spin"
}

// Config tunes the hysteresis thresholds and spin budget. Zero-value fields
// are replaced by [DefaultConfig]'s values in [New].
type Config struct {
	FullHigh float64 // enter Block if fullness >= FullHigh
	FullLow  float64 // exit Block only if fullness <= FullLow
	FailHigh float64 // enter Block if failure-rate EMA >= FailHigh
	FailLow  float64 // exit Block if failure-rate EMA <= FailLow

	BaseSpin uint // spin attempts under light contention
	MinSpin  uint // spin attempts under heavy contention / while blocked
	MaxSpin  uint // upper bound on the dynamic spin budget

	BlockGrace time.Duration // minimum time after leaving Block before re-entering

	EMAAlpha           float64 // smoothing factor for the failure-rate EMA
	LocalPublishPeriod uint32  // spin-budget exhaustions between publishing a failure sample to a shard; every success publishes a zero sample at once
}

// DefaultConfig mirrors the reference implementation's constants exactly.
func DefaultConfig() Config {
	return Config{
		FullHigh:           0.90,
		FullLow:            0.70,
		FailHigh:           0.60,
		FailLow:            0.30,
		BaseSpin:           64,
		MinSpin:            4,
		MaxSpin:            256,
		BlockGrace:         50 * time.Microsecond,
		EMAAlpha:           0.05,
		LocalPublishPeriod: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FullHigh == 0 {
		c.FullHigh = d.FullHigh
	}
	if c.FullLow == 0 {
		c.FullLow = d.FullLow
	}
	if c.FailHigh == 0 {
		c.FailHigh = d.FailHigh
	}
	if c.FailLow == 0 {
		c.FailLow = d.FailLow
	}
	if c.BaseSpin == 0 {
		c.BaseSpin = d.BaseSpin
	}
	if c.MinSpin == 0 {
		c.MinSpin = d.MinSpin
	}
	if c.MaxSpin == 0 {
		c.MaxSpin = d.MaxSpin
	}
	if c.BlockGrace == 0 {
		c.BlockGrace = d.BlockGrace
	}
	if c.EMAAlpha == 0 {
		c.EMAAlpha = d.EMAAlpha
	}
	if c.LocalPublishPeriod == 0 {
		c.LocalPublishPeriod = d.LocalPublishPeriod
	}
	return c
}

type shard struct {
	_   [64 - 8]byte
	ema atomix.Uint64
}

// Handle binds one long-lived goroutine to a fixed EMA shard and carries its
// local failure-rate accounting between calls. Go has no thread-local
// storage, so — as with ebr.Participant — each goroutine that calls Push or
// Pop must obtain its own Handle via [Queue.Handle] and reuse it; sharing a
// Handle across goroutines races on its local counters.
type Handle struct {
	shardIdx uint32
	failures uint32
	attempts uint32
}

// Queue adapts inner with adaptive spin/block semantics. The zero value is
// not usable; construct with [New].
type Queue[T any] struct {
	inner TryQueue[T]
	cfg   Config

	mode             atomix.Uint64 // Mode, stored as uint64
	failEMA          atomix.Uint64 // scaled
	fullnessLast     atomix.Uint64 // scaled
	lastBlockExitNs  atomix.Uint64 // time.Now().UnixNano() at last Block->Spin switch

	shards [shardCount]shard

	nextShard atomic.Uint32 // round-robin shard assignment for new Handles

	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
}

// New wraps inner with adaptive semantics using the given config (zero
// fields fall back to [DefaultConfig]).
func New[T any](inner TryQueue[T], cfg Config) *Queue[T] {
	q := &Queue[T]{inner: inner, cfg: cfg.withDefaults()}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	q.lastBlockExitNs.StoreRelaxed(uint64(time.Now().UnixNano()))
	return q
}

// Handle registers a new goroutine-local accounting handle, assigning it a
// shard round-robin to spread EMA contention across shards.
func (q *Queue[T]) Handle() *Handle {
	idx := q.nextShard.Add(1) % shardCount
	return &Handle{shardIdx: idx}
}

// Mode returns the queue's current contention-response state.
func (q *Queue[T]) Mode() Mode { return Mode(q.mode.LoadRelaxed()) }

// FailureRateEMA returns the last-published failure-rate EMA snapshot.
func (q *Queue[T]) FailureRateEMA() float64 { return unscale(q.failEMA.LoadRelaxed()) }

// FullnessLast returns the last-recorded fullness fraction, or 0 if the
// wrapped queue does not implement both [Sizer] and Cap() int.
func (q *Queue[T]) FullnessLast() float64 { return unscale(q.fullnessLast.LoadRelaxed()) }

// AggregatedFailureRateEMA averages the failure-rate EMA across every
// shard; more expensive than FailureRateEMA but not subject to whichever
// shard happened to publish last.
func (q *Queue[T]) AggregatedFailureRateEMA() float64 {
	var sum uint64
	for i := range q.shards {
		sum += q.shards[i].ema.LoadRelaxed()
	}
	return unscale(sum / shardCount)
}

// Push pushes v, using h's goroutine-local accounting.
func (q *Queue[T]) Push(h *Handle, v T) bool {
	return q.push(h, v, nil)
}

// PushUntil pushes v, giving up once timeout elapses.
func (q *Queue[T]) PushUntil(h *Handle, v T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	return q.push(h, v, &deadline)
}

// Pop pops a value, using h's goroutine-local accounting.
func (q *Queue[T]) Pop(h *Handle) (T, bool) {
	return q.pop(h, nil)
}

// PopUntil pops a value, giving up once timeout elapses.
func (q *Queue[T]) PopUntil(h *Handle, timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	return q.pop(h, &deadline)
}

// Empty reports whether the wrapped queue's [Sizer] length is zero; it is a
// best-effort probe, not a guaranteed check-then-act primitive. It always
// returns false when the wrapped queue does not implement [Sizer].
func (q *Queue[T]) Empty() bool {
	if s, ok := q.inner.(Sizer); ok {
		return s.Len() == 0
	}
	return false
}

func (q *Queue[T]) push(h *Handle, v T, deadline *time.Time) bool {
	if q.inner.Enqueue(&v) == nil {
		q.onSuccess(h)
		q.signalNotEmpty()
		return true
	}
	for {
		if q.Mode() == ModeBlock && !q.shouldExitBlock() {
			return q.blockPush(v, deadline)
		}
		spins := q.decideSpinBudget()
		bk := backoff.NewExponential(0)
		for i := uint(0); i < spins; i++ {
			if q.inner.Enqueue(&v) == nil {
				q.onSuccess(h)
				q.signalNotEmpty()
				return true
			}
			bk.Wait()
		}
		q.onFailure(h)
		if q.shouldEnterBlock() {
			q.switchToBlock()
			return q.blockPush(v, deadline)
		}
		if deadline == nil {
			return false
		}
		if !time.Now().Before(*deadline) {
			return false
		}
	}
}

func (q *Queue[T]) pop(h *Handle, deadline *time.Time) (T, bool) {
	if val, err := q.inner.Dequeue(); err == nil {
		q.onSuccess(h)
		q.signalNotFull()
		return val, true
	}
	for {
		if q.Mode() == ModeBlock && !q.shouldExitBlock() {
			return q.blockPop(deadline)
		}
		spins := q.decideSpinBudget()
		bk := backoff.NewExponential(0)
		for i := uint(0); i < spins; i++ {
			if val, err := q.inner.Dequeue(); err == nil {
				q.onSuccess(h)
				q.signalNotFull()
				return val, true
			}
			bk.Wait()
		}
		q.onFailure(h)
		if q.shouldEnterBlock() {
			q.switchToBlock()
			return q.blockPop(deadline)
		}
		if deadline == nil {
			var zero T
			return zero, false
		}
		if !time.Now().Before(*deadline) {
			var zero T
			return zero, false
		}
	}
}

func (q *Queue[T]) blockPush(v T, deadline *time.Time) bool {
	q.mu.Lock()
	for q.inner.Enqueue(&v) != nil {
		if deadline != nil {
			remaining := time.Until(*deadline)
			if remaining <= 0 || !condWaitTimeout(&q.notFull, &q.mu, remaining) {
				q.mu.Unlock()
				return false
			}
		} else {
			q.notFull.Wait()
		}
	}
	q.mu.Unlock()
	q.signalNotEmpty()
	return true
}

func (q *Queue[T]) blockPop(deadline *time.Time) (T, bool) {
	q.mu.Lock()
	for {
		val, err := q.inner.Dequeue()
		if err == nil {
			q.mu.Unlock()
			q.signalNotFull()
			return val, true
		}
		if deadline != nil {
			remaining := time.Until(*deadline)
			if remaining <= 0 || !condWaitTimeout(&q.notEmpty, &q.mu, remaining) {
				q.mu.Unlock()
				var zero T
				return zero, false
			}
		} else {
			q.notEmpty.Wait()
		}
	}
}

func (q *Queue[T]) onSuccess(h *Handle) {
	h.failures = 0
	q.maybePublish(h, true)
}

func (q *Queue[T]) onFailure(h *Handle) {
	h.failures++
	h.attempts++
	if h.attempts >= q.cfg.LocalPublishPeriod {
		q.maybePublish(h, false)
	}
}

var publishCounter atomic.Uint32

func (q *Queue[T]) maybePublish(h *Handle, resetOnly bool) {
	var sample float64
	if h.attempts > 0 {
		sample = float64(h.failures) / float64(h.attempts)
	}

	sh := &q.shards[h.shardIdx]
	for {
		oldv := sh.ema.LoadRelaxed()
		oldf := unscale(oldv)
		newf := oldf*(1-q.cfg.EMAAlpha) + sample*q.cfg.EMAAlpha
		newv := scale(newf)
		if sh.ema.CompareAndSwapRelaxed(oldv, newv) {
			break
		}
	}

	h.attempts = 0
	h.failures = 0

	if !resetOnly {
		if publishCounter.Add(1)&0x3F == 0 {
			q.failEMA.StoreRelaxed(sh.ema.LoadRelaxed())
		}
	}

	if s, ok := q.inner.(Sizer); ok {
		if c, ok := q.inner.(interface{ Cap() int }); ok && c.Cap() > 0 {
			fullness := float64(s.Len()) / float64(c.Cap())
			q.fullnessLast.StoreRelaxed(scale(fullness))
		}
	}
}

func (q *Queue[T]) shouldEnterBlock() bool {
	fr := q.FailureRateEMA()
	full := q.FullnessLast()
	return fr >= q.cfg.FailHigh || full >= q.cfg.FullHigh
}

func (q *Queue[T]) shouldExitBlock() bool {
	fr := q.FailureRateEMA()
	full := q.FullnessLast()
	graceOK := time.Since(time.Unix(0, int64(q.lastBlockExitNs.LoadRelaxed()))) > q.cfg.BlockGrace
	return fr <= q.cfg.FailLow && full <= q.cfg.FullLow && graceOK
}

func (q *Queue[T]) switchToBlock() {
	q.mode.StoreRelaxed(uint64(ModeBlock))
}

func (q *Queue[T]) switchToSpin() {
	q.lastBlockExitNs.StoreRelaxed(uint64(time.Now().UnixNano()))
	q.mode.StoreRelaxed(uint64(ModeSpin))
}

func (q *Queue[T]) decideSpinBudget() uint {
	fr := q.FailureRateEMA()
	full := q.FullnessLast()

	if q.Mode() == ModeBlock {
		if q.shouldExitBlock() {
			q.switchToSpin()
		} else {
			return q.cfg.MinSpin
		}
	}

	_, hasSizer := q.inner.(Sizer)
	var penalty float64
	if hasSizer {
		penalty = (fr + full) * 0.5
	} else {
		penalty = fr
	}
	span := float64(q.cfg.BaseSpin - q.cfg.MinSpin)
	dynamic := q.cfg.BaseSpin - uint(math.Round(span*penalty))
	if dynamic < q.cfg.MinSpin {
		dynamic = q.cfg.MinSpin
	}
	if dynamic > q.cfg.MaxSpin {
		dynamic = q.cfg.MaxSpin
	}
	return dynamic
}

func (q *Queue[T]) signalNotEmpty() {
	q.mu.Lock()
	q.notEmpty.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) signalNotFull() {
	q.mu.Lock()
	q.notFull.Signal()
	q.mu.Unlock()
}

// condWaitTimeout mirrors blocking.condWaitTimeout: waits on c (guarded by
// mu, already held) until signaled or d elapses, returning false on timeout.
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
