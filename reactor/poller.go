// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reactor implements the multi-reactor I/O architecture: one accept
// reactor round-robin dispatching connections across N I/O reactors, each
// owning its own epoll set and a response queue woken via an eventfd.
package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by [Poller.Wait] when the underlying epoll_wait
// call is interrupted by a signal. It is distinguishable from every other
// error so callers can log and retry rather than tearing down the reactor.
var ErrInterrupted = errors.New("reactor: poll interrupted")

// maxPollEvents bounds how many ready events a single Wait call returns, per
// this module's readiness-poller contract (recommended <= 1024).
const maxPollEvents = 1024

// Event is one ready descriptor returned from [Poller.Wait].
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Error    bool
	Hangup   bool
}

// Poller is an edge-triggered epoll wrapper. It is safe to call Add/Modify/
// Remove from a goroutine other than the one blocked in Wait — epoll_ctl is
// safe to call concurrently with epoll_wait on the same epoll descriptor.
type Poller struct {
	epfd int
	buf  [maxPollEvents]unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registers fd for readable/writable edge-triggered notification.
func (p *Poller) Add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify updates the event mask for an already-registered fd.
func (p *Poller) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It does not close fd.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs (negative means forever) and returns the ready
// events. It returns ErrInterrupted, never a partial event set, when the
// underlying call is interrupted by a signal — callers should treat that as
// "poll again", not as a fatal error.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	events := make([]Event, n)
	for i := 0; i < n; i++ {
		raw := p.buf[i]
		events[i] = Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
			Hangup:   raw.Events&unix.EPOLLHUP != 0,
		}
	}
	return events, nil
}

// Close closes the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func epollMask(readable, writable bool) uint32 {
	var mask uint32 = unix.EPOLLET
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}
