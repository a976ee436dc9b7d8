// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

import (
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/qxt-code/file-server/internal/affinity"
)

// AcceptReactor owns the listening descriptor, registered readable
// edge-triggered, and dispatches every accepted connection to one of a
// fixed set of I/O reactors by round robin.
type AcceptReactor struct {
	cfg        Config
	poller     *Poller
	listenFD   int
	ioReactors []*IOReactor
	counter    atomic.Uint64

	handlerFactory func(fd int) Handler

	running atomic.Bool
	stop    atomic.Bool
	done    chan struct{}
}

// NewAcceptReactor creates an accept reactor dispatching across ioReactors.
// ioReactors must be non-empty and already started.
func NewAcceptReactor(cfg Config, ioReactors []*IOReactor) (*AcceptReactor, error) {
	if len(ioReactors) == 0 {
		return nil, fmt.Errorf("reactor: accept reactor requires at least one io reactor")
	}
	cfg = cfg.withDefaults()
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: accept reactor: %w", err)
	}
	return &AcceptReactor{
		cfg:        cfg,
		poller:     poller,
		listenFD:   -1,
		ioReactors: ioReactors,
		done:       make(chan struct{}),
	}, nil
}

// ListenOn binds and listens on ip:port, registering the listening
// descriptor readable edge-triggered.
func (a *AcceptReactor) ListenOn(port uint16, ip string, backlog int) error {
	if backlog <= 0 {
		backlog = 1024
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: setsockopt(SO_REUSEADDR): %w", err)
	}
	addr, err := parseIPv4(ip)
	if err != nil {
		unix.Close(fd)
		return err
	}
	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: listen: %w", err)
	}
	if err := a.poller.Add(fd, true, false); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: register listen fd: %w", err)
	}
	a.listenFD = fd
	a.cfg.Logger.Infof("reactor: listening on %s:%d", ip, port)
	return nil
}

// Start launches the accept loop goroutine.
func (a *AcceptReactor) Start() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	go a.run()
}

// Stop signals the accept loop to exit and waits for it.
func (a *AcceptReactor) Stop() {
	if !a.running.Load() {
		return
	}
	a.stop.Store(true)
	<-a.done
}

// Close closes the listening descriptor and the poller. Call only after
// Stop.
func (a *AcceptReactor) Close() error {
	if a.listenFD >= 0 {
		unix.Close(a.listenFD)
	}
	return a.poller.Close()
}

func (a *AcceptReactor) run() {
	defer close(a.done)
	if a.cfg.PinCoreID != nil {
		unpin, err := affinity.PinCurrentGoroutine(*a.cfg.PinCoreID)
		if err != nil {
			a.cfg.Logger.Warnf("reactor: accept reactor failed to pin to core %d: %v", *a.cfg.PinCoreID, err)
		} else {
			defer unpin()
		}
	}
	a.loop()
}

// loop implements the accept reactor's readable-event handling: on a
// readable event it accepts in a loop until accept would block, stamping
// each descriptor non-blocking/close-on-exec and handing it to the next
// I/O reactor in round-robin order.
func (a *AcceptReactor) loop() {
	for !a.stop.Load() {
		events, err := a.poller.Wait(a.cfg.PollTimeoutMS)
		if err != nil {
			if err == ErrInterrupted {
				a.cfg.Logger.Debugf("reactor: accept reactor: poll interrupted, retrying")
				continue
			}
			a.cfg.Logger.Errorf("reactor: accept reactor: poll: %v", err)
			return
		}
		for _, ev := range events {
			if ev.Fd != a.listenFD {
				a.cfg.Logger.Warnf("reactor: accept reactor: unexpected event on fd %d", ev.Fd)
				continue
			}
			a.acceptLoop()
		}
	}
}

func (a *AcceptReactor) acceptLoop() {
	for {
		fd, _, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			a.cfg.Logger.Errorf("reactor: accept4: %v", err)
			return
		}
		a.dispatch(fd)
	}
}

// dispatch selects an I/O reactor via counter mod N (relaxed increment) and
// registers the connection with a caller-supplied handler factory.
func (a *AcceptReactor) dispatch(fd int) {
	idx := a.counter.Add(1) % uint64(len(a.ioReactors))
	r := a.ioReactors[idx]
	a.cfg.Logger.Debugf("reactor: accept reactor: new connection fd %d -> io reactor %d", fd, r.ID())
	if a.handlerFactory == nil {
		unix.Close(fd)
		a.cfg.Logger.Errorf("reactor: accept reactor: no handler factory set, closing fd %d", fd)
		return
	}
	handler := a.handlerFactory(fd)
	if !r.Register(fd, handler) {
		a.cfg.Logger.Errorf("reactor: accept reactor: io reactor %d registration ring full, dropping fd %d", r.ID(), fd)
		unix.Close(fd)
	}
}

// SetHandlerFactory sets the function used to build a [Handler] for each
// newly accepted descriptor. It must be set before Start.
func (a *AcceptReactor) SetHandlerFactory(factory func(fd int) Handler) {
	a.handlerFactory = factory
}

func parseIPv4(ip string) ([4]byte, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return [4]byte{}, fmt.Errorf("reactor: invalid ipv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("reactor: not an ipv4 address %q", ip)
	}
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}, nil
}
