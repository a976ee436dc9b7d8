// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeupFD is a 64-bit kernel-maintained counter descriptor: write adds,
// read drains and returns the accumulated value. Response queues own one to
// signal their owning I/O reactor without the reactor busy-polling the ring.
type wakeupFD struct {
	fd int
}

func newWakeupFD() (*wakeupFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	return &wakeupFD{fd: fd}, nil
}

// Fd returns the read-side descriptor, the only side exposed to the reactor.
func (w *wakeupFD) Fd() int { return w.fd }

// Notify adds one unit to the counter.
func (w *wakeupFD) Notify() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(w.fd, buf[:])
	if err != nil {
		return fmt.Errorf("reactor: eventfd write: %w", err)
	}
	if n != 8 {
		return fmt.Errorf("reactor: eventfd short write: %d bytes", n)
	}
	return nil
}

// Drain reads and zeroes the accumulated counter value.
func (w *wakeupFD) Drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(w.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("reactor: eventfd read: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("reactor: eventfd short read: %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (w *wakeupFD) Close() error {
	return unix.Close(w.fd)
}
