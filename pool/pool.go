// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pool provides a hybrid thread pool with CPU-pinned and flexible
// worker goroutines, backed by two bounded MPMC backlogs from
// [code.hybscloud.com/lfq]. Pinned workers give latency-sensitive tasks
// (connection I/O completion callbacks) a dedicated core; flexible workers
// absorb everything else and help drain the pinned backlog when it grows
// far past the flexible one.
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/lfq"

	"github.com/qxt-code/file-server/internal/affinity"
	"github.com/qxt-code/file-server/internal/logx"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Class selects which backlog a submitted task prefers.
type Class uint8

const (
	// Flexible tasks run on any worker; this is the default.
	Flexible Class = iota
	// PreferPinned tasks go to the pinned backlog when it isn't
	// significantly deeper than the flexible one, otherwise flexible.
	PreferPinned
	// PinnedOnly tasks must run on a pinned worker if any exist, falling
	// back to flexible only when the pool has no pinned workers at all.
	PinnedOnly
)

// Stats exposes coarse submission/execution counters.
type Stats struct {
	SubmittedFlexible uint64
	SubmittedPinned   uint64
	ExecutedFlexible  uint64
	ExecutedPinned    uint64
}

// Config tunes backlog capacity, the help-pinned-backlog heuristic, and the
// submit retry budget. Zero fields fall back to documented defaults.
type Config struct {
	PinnedQueueCapacity   int
	FlexibleQueueCapacity int

	// PinnedCoreIDs assigns pinned worker i to core PinnedCoreIDs[i %
	// len(PinnedCoreIDs)]. A pool with pinned workers but no core IDs runs
	// them unpinned (affinity.Set is simply never called).
	PinnedCoreIDs []int

	// SubmitAttempts bounds how many times Submit retries a full backlog
	// before giving up.
	SubmitAttempts int

	// HelpMultiplier and HelpOffset parameterize the flexible-worker
	// help-pinned-backlog heuristic: help when pinnedDepth > flexDepth*
	// HelpMultiplier + HelpOffset.
	HelpMultiplier int64
	HelpOffset     int64

	Logger logx.Logger
}

func (c Config) withDefaults() Config {
	if c.PinnedQueueCapacity == 0 {
		c.PinnedQueueCapacity = 1024
	}
	if c.FlexibleQueueCapacity == 0 {
		c.FlexibleQueueCapacity = 1024
	}
	if c.SubmitAttempts == 0 {
		c.SubmitAttempts = 64
	}
	if c.HelpMultiplier == 0 {
		c.HelpMultiplier = 2
	}
	if c.HelpOffset == 0 {
		c.HelpOffset = 8
	}
	if c.Logger == nil {
		c.Logger = logx.NopLogger{}
	}
	return c
}

// Pool is a hybrid pinned/flexible worker pool. Construct with [New].
type Pool struct {
	cfg Config

	pinnedQueue *lfq.MPMC[Task]
	flexQueue   *lfq.MPMC[Task]

	// depth tracks approximate backlog length, since lfq deliberately omits
	// Len() (accurate counts need cross-core synchronization the bounded
	// rings avoid). Incremented on successful submit, decremented once a
	// worker dequeues a task — an approximation, not an exact count, which
	// is all the help-pinned heuristic and PreferPinned routing need.
	pinnedDepth atomic.Int64
	flexDepth   atomic.Int64

	stats struct {
		submittedFlexible atomic.Uint64
		submittedPinned   atomic.Uint64
		executedFlexible  atomic.Uint64
		executedPinned    atomic.Uint64
	}

	pinnedThreads int

	stop atomic.Bool
	wg   sync.WaitGroup
}

// New creates a pool with pinnedThreads pinned workers and flexThreads
// flexible workers. A pool with pinnedThreads == 0 behaves as a plain
// flexible pool; PinnedOnly tasks submitted to it fall back to the
// flexible backlog.
func New(pinnedThreads, flexThreads int, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:           cfg,
		pinnedQueue:   lfq.NewMPMC[Task](cfg.PinnedQueueCapacity),
		flexQueue:     lfq.NewMPMC[Task](cfg.FlexibleQueueCapacity),
		pinnedThreads: pinnedThreads,
	}

	for i := 0; i < pinnedThreads; i++ {
		p.wg.Add(1)
		go p.pinnedWorkerLoop(i)
	}
	for i := 0; i < flexThreads; i++ {
		p.wg.Add(1)
		go p.flexibleWorkerLoop()
	}
	return p
}

// Submit enqueues t under the given class, retrying up to
// Config.SubmitAttempts times against a full backlog. It returns false if
// the pool is shutting down or the backlog stayed full for the entire retry
// budget — per this module's resolution of the spec's open question on
// backlog-full behavior, Submit never blocks; callers wanting blocking
// submit should wrap the chosen queue with
// [github.com/qxt-code/file-server/blocking] themselves.
func (p *Pool) Submit(t Task, cls Class) bool {
	if p.stop.Load() {
		return false
	}
	q, pinned := p.chooseQueue(cls)
	if pinned {
		p.stats.submittedPinned.Add(1)
	} else {
		p.stats.submittedFlexible.Add(1)
	}

	for i := 0; i < p.cfg.SubmitAttempts; i++ {
		if q.Enqueue(&t) == nil {
			p.bumpDepth(pinned, 1)
			return true
		}
	}
	return false
}

// SubmitPinned is shorthand for Submit(t, PinnedOnly).
func (p *Pool) SubmitPinned(t Task) bool { return p.Submit(t, PinnedOnly) }

// SubmitFlexible is shorthand for Submit(t, Flexible).
func (p *Pool) SubmitFlexible(t Task) bool { return p.Submit(t, Flexible) }

// Stats returns a snapshot of submission/execution counters.
func (p *Pool) Stats() Stats {
	return Stats{
		SubmittedFlexible: p.stats.submittedFlexible.Load(),
		SubmittedPinned:   p.stats.submittedPinned.Load(),
		ExecutedFlexible:  p.stats.executedFlexible.Load(),
		ExecutedPinned:    p.stats.executedPinned.Load(),
	}
}

// Shutdown stops accepting new work, waits for every worker goroutine to
// notice and exit, then drains and runs whatever tasks remained queued.
// Shutdown is idempotent.
func (p *Pool) Shutdown() {
	if !p.stop.CompareAndSwap(false, true) {
		return
	}
	p.wg.Wait()

	// The FAA-based MPMC backlogs apply a livelock-prevention threshold that
	// can make Dequeue report empty even with items left; Drain lifts that
	// once no further Submit calls will occur (guaranteed by stop above).
	if d, ok := any(p.pinnedQueue).(lfq.Drainer); ok {
		d.Drain()
	}
	if d, ok := any(p.flexQueue).(lfq.Drainer); ok {
		d.Drain()
	}

	for {
		t, err := p.pinnedQueue.Dequeue()
		if err != nil {
			break
		}
		t()
	}
	for {
		t, err := p.flexQueue.Dequeue()
		if err != nil {
			break
		}
		t()
	}
}

func (p *Pool) chooseQueue(cls Class) (q *lfq.MPMC[Task], pinned bool) {
	hasPinned := p.hasPinnedWorkers()
	switch cls {
	case PinnedOnly:
		if hasPinned {
			return p.pinnedQueue, true
		}
		return p.flexQueue, false
	case PreferPinned:
		if hasPinned && p.pinnedDepth.Load() <= p.flexDepth.Load()*2 {
			return p.pinnedQueue, true
		}
		return p.flexQueue, false
	default:
		return p.flexQueue, false
	}
}

func (p *Pool) hasPinnedWorkers() bool {
	return p.pinnedThreads > 0
}

func (p *Pool) bumpDepth(pinned bool, delta int64) {
	if pinned {
		p.pinnedDepth.Add(delta)
	} else {
		p.flexDepth.Add(delta)
	}
}

func (p *Pool) pinnedWorkerLoop(index int) {
	defer p.wg.Done()
	if len(p.cfg.PinnedCoreIDs) > 0 {
		core := p.cfg.PinnedCoreIDs[index%len(p.cfg.PinnedCoreIDs)]
		unpin, err := affinity.PinCurrentGoroutine(core)
		if err != nil {
			p.cfg.Logger.Warnf("pool: pinned worker %d failed to set affinity to core %d: %v", index, core, err)
		} else {
			defer unpin()
		}
	}
	p.mainLoop(true)
}

func (p *Pool) flexibleWorkerLoop() {
	defer p.wg.Done()
	p.mainLoop(false)
}

func (p *Pool) mainLoop(pinned bool) {
	primary, secondary := p.flexQueue, p.pinnedQueue
	if pinned {
		primary, secondary = p.pinnedQueue, p.flexQueue
	}
	for !p.stop.Load() {
		if t, err := primary.Dequeue(); err == nil {
			p.bumpDepth(pinned, -1)
			p.execute(t, pinned)
			continue
		}
		if pinned {
			if t, err := secondary.Dequeue(); err == nil {
				p.bumpDepth(false, -1)
				p.execute(t, false)
				continue
			}
		} else if p.shouldHelpPinned() {
			if t, err := secondary.Dequeue(); err == nil {
				p.bumpDepth(true, -1)
				p.execute(t, true)
				continue
			}
		}
		runtime.Gosched()
	}
}

func (p *Pool) shouldHelpPinned() bool {
	pinnedDepth := p.pinnedDepth.Load()
	flexDepth := p.flexDepth.Load()
	return pinnedDepth > flexDepth*p.cfg.HelpMultiplier+p.cfg.HelpOffset
}

func (p *Pool) execute(t Task, countedAsPinned bool) {
	if countedAsPinned {
		p.stats.executedPinned.Add(1)
	} else {
		p.stats.executedFlexible.Add(1)
	}
	t()
}

