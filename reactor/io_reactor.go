// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/lfq"

	"github.com/qxt-code/file-server/internal/affinity"
)

// registration is one pending fd handoff from an accept reactor to the
// owning I/O reactor's loop goroutine.
type registration struct {
	fd      int
	handler Handler
}

// registrationQueueCapacity bounds how many freshly accepted connections an
// I/O reactor may have queued for registration before the accept reactor
// sees its handoff rejected. It is sized generously since registration
// drains once per poll cycle, well under typical accept bursts.
const registrationQueueCapacity = 4096

// IOReactor runs one dedicated goroutine, optionally pinned to a core. It
// owns a readiness poller, a map from descriptor to [Handler], and exactly
// one [ResponseQueue] whose wakeup descriptor it registers into its own
// poller alongside every connection it owns. New connections are handed off
// through a single-producer single-consumer ring (the accept reactor is the
// sole producer; this reactor's own loop is the sole consumer) rather than
// calling into the map directly from the accept reactor's goroutine.
type IOReactor struct {
	id            int
	cfg           Config
	poller        *Poller
	respq         *ResponseQueue
	wakeup        int
	pending       *lfq.SPSC[registration]
	pendingWakeup *wakeupFD

	mu          sync.Mutex
	connections map[int]Handler

	running atomic.Bool
	stop    atomic.Bool
	done    chan struct{}
}

// NewIOReactor creates an I/O reactor with its own poller and response
// queue, registering the queue's wakeup descriptor immediately.
func NewIOReactor(id int, cfg Config) (*IOReactor, error) {
	cfg = cfg.withDefaults()
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: io reactor %d: %w", id, err)
	}
	respq, err := NewResponseQueue(cfg.ResponseQueueCapacity, cfg.Logger)
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("reactor: io reactor %d: %w", id, err)
	}
	pendingWakeup, err := newWakeupFD()
	if err != nil {
		poller.Close()
		respq.Close()
		return nil, fmt.Errorf("reactor: io reactor %d: %w", id, err)
	}
	r := &IOReactor{
		id:            id,
		cfg:           cfg,
		poller:        poller,
		respq:         respq,
		wakeup:        respq.WakeupFD(),
		pending:       lfq.NewSPSC[registration](registrationQueueCapacity),
		pendingWakeup: pendingWakeup,
		connections:   make(map[int]Handler),
		done:          make(chan struct{}),
	}
	if err := poller.Add(r.wakeup, true, false); err != nil {
		poller.Close()
		respq.Close()
		pendingWakeup.Close()
		return nil, fmt.Errorf("reactor: io reactor %d: register wakeup fd: %w", id, err)
	}
	if err := poller.Add(r.pendingWakeup.Fd(), true, false); err != nil {
		poller.Close()
		respq.Close()
		pendingWakeup.Close()
		return nil, fmt.Errorf("reactor: io reactor %d: register registration wakeup fd: %w", id, err)
	}
	return r, nil
}

// ID returns this reactor's index, used by the accept reactor's round-robin
// counter and by tests asserting dispatch ownership.
func (r *IOReactor) ID() int { return r.id }

// ResponseQueue returns the reactor's owned response queue. Any goroutine
// may call Submit on it; only this reactor's loop calls Drain.
func (r *IOReactor) ResponseQueue() *ResponseQueue { return r.respq }

// Register hands fd off to this reactor's loop goroutine for registration,
// edge-triggered readable, under handler. The caller must be the sole
// producer on this reactor's registration ring — in practice, the one
// accept reactor goroutine that dispatches to it. Returns false if the
// ring is momentarily full; the caller should close fd in that case.
func (r *IOReactor) Register(fd int, handler Handler) bool {
	reg := registration{fd: fd, handler: handler}
	if r.pending.Enqueue(&reg) != nil {
		return false
	}
	if err := r.pendingWakeup.Notify(); err != nil {
		r.cfg.Logger.Warnf("reactor: io reactor %d: notify registration wakeup: %v", r.id, err)
	}
	return true
}

// addConnection registers fd, edge-triggered readable, under handler,
// directly against the poller and connections map. Called only from this
// reactor's own loop goroutine, via drainRegistrations.
func (r *IOReactor) addConnection(fd int, handler Handler) error {
	r.mu.Lock()
	r.connections[fd] = handler
	r.mu.Unlock()
	if err := r.poller.Add(fd, true, false); err != nil {
		r.mu.Lock()
		delete(r.connections, fd)
		r.mu.Unlock()
		return err
	}
	return nil
}

// drainRegistrations pulls every pending handoff off the registration ring
// and adds each to the poller and connections map. Called once per loop
// iteration from this reactor's own goroutine, so it is the ring's sole
// consumer.
func (r *IOReactor) drainRegistrations() {
	for {
		reg, err := r.pending.Dequeue()
		if err != nil {
			return
		}
		if err := r.addConnection(reg.fd, reg.handler); err != nil {
			r.cfg.Logger.Warnf("reactor: io reactor %d: register fd %d: %v", r.id, reg.fd, err)
		}
	}
}

// RemoveConnection deregisters fd and releases its handler. It does not
// close fd — callers own that decision.
func (r *IOReactor) RemoveConnection(fd int) {
	r.mu.Lock()
	_, ok := r.connections[fd]
	delete(r.connections, fd)
	r.mu.Unlock()
	if ok {
		if err := r.poller.Remove(fd); err != nil {
			r.cfg.Logger.Warnf("reactor: io reactor %d: remove fd %d: %v", r.id, fd, err)
		}
	}
}

// Start launches the reactor's loop goroutine.
func (r *IOReactor) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go r.run()
}

// Stop signals the loop to exit at its next iteration and waits for it.
func (r *IOReactor) Stop() {
	if !r.running.Load() {
		return
	}
	r.stop.Store(true)
	<-r.done
}

// Close releases the poller, response queue, and registration wakeup fd.
// Call only after Stop.
func (r *IOReactor) Close() error {
	r.respq.Close()
	r.pendingWakeup.Close()
	return r.poller.Close()
}

func (r *IOReactor) run() {
	defer close(r.done)
	if r.cfg.PinCoreID != nil {
		unpin, err := affinity.PinCurrentGoroutine(*r.cfg.PinCoreID)
		if err != nil {
			r.cfg.Logger.Warnf("reactor: io reactor %d failed to pin to core %d: %v", r.id, *r.cfg.PinCoreID, err)
		} else {
			defer unpin()
		}
	}
	r.loop()
}

// loop implements the I/O reactor's poll-and-dispatch cycle per this
// module's event model: on the response queue's wakeup fd firing, drain
// replies; on the registration wakeup fd firing, drain pending connection
// handoffs; otherwise dispatch the connection's readable/writable/error
// handler.
func (r *IOReactor) loop() {
	for !r.stop.Load() {
		events, err := r.poller.Wait(r.cfg.PollTimeoutMS)
		if err != nil {
			if err == ErrInterrupted {
				r.cfg.Logger.Debugf("reactor: io reactor %d: poll interrupted, retrying", r.id)
				continue
			}
			r.cfg.Logger.Errorf("reactor: io reactor %d: poll: %v", r.id, err)
			return
		}
		for _, ev := range events {
			switch ev.Fd {
			case r.wakeup:
				r.respq.Drain()
			case r.pendingWakeup.Fd():
				r.pendingWakeup.Drain()
				r.drainRegistrations()
			default:
				r.dispatch(ev)
			}
		}
	}
}

func (r *IOReactor) dispatch(ev Event) {
	r.mu.Lock()
	handler, ok := r.connections[ev.Fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	if ev.Error || ev.Hangup {
		handler.OnError(ev.Fd, fmt.Errorf("reactor: fd %d error or hangup", ev.Fd))
		return
	}
	if ev.Readable {
		handler.OnReadable(ev.Fd)
	}
	if ev.Writable {
		handler.OnWritable(ev.Fd)
	}
}
