// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

import (
	"fmt"

	"code.hybscloud.com/lfq"
	"golang.org/x/sys/unix"

	"github.com/qxt-code/file-server/internal/logx"
)

// submitAttempts is the non-blocking push retry budget before Submit gives
// up and reports the queue full.
const submitAttempts = 3

// responseTask is one queued (target descriptor, reply payload) entry.
type responseTask struct {
	fd      int
	payload []byte
}

// ResponseQueue is a bounded MPMC ring of (fd, payload) entries plus an
// owned wakeup descriptor. Every successful enqueue is accompanied by a
// write of one unit to the wakeup descriptor, and Drain reads back exactly
// the number of units it consumes from the ring — the invariant this type
// exists to hold.
type ResponseQueue struct {
	ring   *lfq.MPMC[responseTask]
	wakeup *wakeupFD
	logger logx.Logger
}

// NewResponseQueue creates a response queue with the given ring capacity.
// A nil logger falls back to [logx.NopLogger].
func NewResponseQueue(capacity int, logger logx.Logger) (*ResponseQueue, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = logx.NopLogger{}
	}
	w, err := newWakeupFD()
	if err != nil {
		return nil, err
	}
	return &ResponseQueue{
		ring:   lfq.NewMPMC[responseTask](capacity),
		wakeup: w,
		logger: logger,
	}, nil
}

// WakeupFD returns the read-side wakeup descriptor for registration with a
// [Poller]. Only the I/O reactor that owns this queue should register it.
func (q *ResponseQueue) WakeupFD() int { return q.wakeup.Fd() }

// Submit attempts up to three non-blocking pushes; on success it notifies
// the wakeup descriptor and returns true. On failure (ring stayed full) it
// returns false without side effects — the caller may retry or drop.
func (q *ResponseQueue) Submit(fd int, payload []byte) bool {
	task := responseTask{fd: fd, payload: payload}
	for i := 0; i < submitAttempts; i++ {
		if q.ring.Enqueue(&task) == nil {
			if err := q.wakeup.Notify(); err != nil {
				q.logger.Errorf("reactor: response queue wakeup notify: %v", err)
			}
			return true
		}
	}
	q.logger.Warnf("reactor: response queue full, dropping reply for fd %d", fd)
	return false
}

// Drain reads the accumulated wakeup count and pops up to that many entries,
// writing each reply payload in full to its target descriptor. It is meant
// to be called only from the owning I/O reactor's loop goroutine.
func (q *ResponseQueue) Drain() int {
	n, err := q.wakeup.Drain()
	if err != nil {
		q.logger.Errorf("reactor: response queue wakeup drain: %v", err)
		return 0
	}
	processed := 0
	for i := uint64(0); i < n; i++ {
		task, err := q.ring.Dequeue()
		if err != nil {
			break
		}
		if werr := writeFull(task.fd, task.payload); werr != nil {
			q.logger.Errorf("reactor: write reply to fd %d: %v", task.fd, werr)
		}
		processed++
	}
	return processed
}

// Close releases the wakeup descriptor. The ring itself holds no OS
// resources.
func (q *ResponseQueue) Close() error {
	return q.wakeup.Close()
}

// writeFull writes the whole buffer to fd, looping past partial writes and
// EAGAIN (accepted descriptors in this module are non-blocking, so a single
// write can return early even though the peer will accept more shortly).
func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
