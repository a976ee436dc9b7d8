// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qxt-code/file-server/pool"
)

func TestFlexibleOnlyPoolRunsTasks(t *testing.T) {
	p := pool.New(0, 4, pool.Config{})
	defer p.Shutdown()

	const n = 200
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		if !p.Submit(func() {
			count.Add(1)
			wg.Done()
		}, pool.Flexible) {
			t.Fatalf("submit %d failed", i)
		}
	}
	waitOrTimeout(t, &wg, 2*time.Second)

	if got := count.Load(); got != n {
		t.Fatalf("executed %d tasks, want %d", got, n)
	}
	stats := p.Stats()
	if stats.SubmittedFlexible != n || stats.ExecutedFlexible != n {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPinnedOnlyFallsBackWithoutPinnedWorkers(t *testing.T) {
	p := pool.New(0, 2, pool.Config{})
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	if !p.Submit(func() { wg.Done() }, pool.PinnedOnly) {
		t.Fatalf("expected PinnedOnly submit to fall back to flexible backlog")
	}
	waitOrTimeout(t, &wg, 2*time.Second)
}

func TestHybridPoolRunsBothClasses(t *testing.T) {
	p := pool.New(2, 2, pool.Config{})
	defer p.Shutdown()

	const n = 100
	var pinnedCount, flexCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		p.Submit(func() {
			pinnedCount.Add(1)
			wg.Done()
		}, pool.PinnedOnly)
		p.Submit(func() {
			flexCount.Add(1)
			wg.Done()
		}, pool.Flexible)
	}
	waitOrTimeout(t, &wg, 3*time.Second)

	if pinnedCount.Load() != n || flexCount.Load() != n {
		t.Fatalf("pinned=%d flex=%d, want %d each", pinnedCount.Load(), flexCount.Load(), n)
	}
}

func TestShutdownDrainsRemainingTasks(t *testing.T) {
	p := pool.New(0, 1, pool.Config{})

	const n = 50
	var count atomic.Int32
	for i := 0; i < n; i++ {
		p.Submit(func() { count.Add(1) }, pool.Flexible)
	}
	p.Shutdown()

	if got := count.Load(); got != n {
		t.Fatalf("ran %d tasks after shutdown drain, want %d", got, n)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := pool.New(0, 1, pool.Config{})
	p.Shutdown()
	p.Shutdown()
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for tasks to complete")
	}
}
