// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ebr_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/qxt-code/file-server/ebr"
)

func TestRegisterAssignsDistinctIDs(t *testing.T) {
	d := ebr.NewDomain()
	seen := make(map[*ebr.Participant]bool)
	for i := 0; i < 16; i++ {
		p := d.Register()
		if seen[p] {
			t.Fatalf("duplicate participant returned")
		}
		seen[p] = true
	}
}

func TestRetireReclaimsOnDrainAll(t *testing.T) {
	d := ebr.NewDomain()
	p := d.Register()

	var reclaimed int32
	val := new(int)
	*val = 42

	g := p.Pin()
	g.Unpin()

	p.Retire(unsafe.Pointer(val), func(unsafe.Pointer) {
		atomic.AddInt32(&reclaimed, 1)
	})

	d.DrainAll()

	if atomic.LoadInt32(&reclaimed) != 1 {
		t.Fatalf("expected retired pointer to be reclaimed after DrainAll, got count=%d", reclaimed)
	}
}

func TestRetireDoesNotReclaimWhilePinned(t *testing.T) {
	d := ebr.NewDomain()
	writer := d.Register()
	reader := d.Register()

	var reclaimed int32
	val := new(int)

	readerGuard := reader.Pin()

	for i := 0; i < ebr.RetireThreshold+1; i++ {
		writer.Retire(unsafe.Pointer(val), func(unsafe.Pointer) {
			atomic.AddInt32(&reclaimed, 1)
		})
	}

	// The reader's epoch guard should prevent the epoch from advancing far
	// enough to reclaim everything retired after it pinned.
	if n := atomic.LoadInt32(&reclaimed); n != 0 {
		t.Fatalf("reclaimed %d pointers while a reader was pinned, want 0", n)
	}
	readerGuard.Unpin()
	d.DrainAll()

	if atomic.LoadInt32(&reclaimed) == 0 {
		t.Fatalf("expected reclamation to happen eventually once unpinned and drained")
	}
}

func TestConcurrentPinRetireDrain(t *testing.T) {
	d := ebr.NewDomain()
	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	var reclaimed int64

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := d.Register()
			for j := 0; j < perGoroutine; j++ {
				g := p.Pin()
				val := new(int)
				*val = j
				g.Unpin()
				p.Retire(unsafe.Pointer(val), func(unsafe.Pointer) {
					atomic.AddInt64(&reclaimed, 1)
				})
			}
		}()
	}
	wg.Wait()
	d.DrainAll()

	if atomic.LoadInt64(&reclaimed) != goroutines*perGoroutine {
		t.Fatalf("expected all %d retired pointers reclaimed, got %d", goroutines*perGoroutine, reclaimed)
	}

	stats := d.Stats()
	if stats.Retired != uint64(goroutines*perGoroutine) {
		t.Fatalf("stats.Retired = %d, want %d", stats.Retired, goroutines*perGoroutine)
	}
	if stats.Reclaimed != stats.Retired {
		t.Fatalf("stats.Reclaimed = %d, want %d (all reclaimed after DrainAll)", stats.Reclaimed, stats.Retired)
	}
}

func TestRegisterPanicsPastMaxParticipants(t *testing.T) {
	d := ebr.NewDomain()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic after exceeding MaxParticipants")
		}
	}()
	for i := 0; i <= ebr.MaxParticipants; i++ {
		d.Register()
	}
}
