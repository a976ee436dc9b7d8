// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package affinity pins the calling OS thread to a specific CPU core. It is
// shared by pool's pinned workers and the reactor's per-reactor goroutines,
// both of which need runtime.LockOSThread plus a kernel affinity mask to
// make pinning meaningful.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Set pins the calling goroutine's OS thread to core. The caller must have
// already called runtime.LockOSThread — Set only applies the affinity mask
// to whichever OS thread is currently running the calling goroutine, and
// that binding is meaningless if the goroutine can still migrate threads.
// A negative core is rejected; failures are returned rather than logged so
// callers can decide whether pinning failure is fatal for their use case.
func Set(core int) error {
	if core < 0 {
		return fmt.Errorf("affinity: invalid core %d", core)
	}
	var mask unix.CPUSet
	mask.Set(core)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("affinity: set core %d: %w", core, err)
	}
	return nil
}

// Current returns the CPU core the calling OS thread is currently running
// on, or -1 if it cannot be determined.
func Current() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return -1
	}
	return cpu
}

// PinCurrentGoroutine locks the calling goroutine to its current OS thread
// and pins that thread to core. The returned func must be called (typically
// via defer) to release the OS thread lock; it does not reverse the CPU
// affinity, since threads are not reused across pinned workers in practice.
func PinCurrentGoroutine(core int) (func(), error) {
	runtime.LockOSThread()
	if err := Set(core); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return runtime.UnlockOSThread, nil
}
