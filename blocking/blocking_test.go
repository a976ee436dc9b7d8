// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blocking_test

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/lfq"

	"github.com/qxt-code/file-server/blocking"
)

func TestPushPopRoundTrip(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](8))
	if !q.Push(7) {
		t.Fatalf("expected push to succeed")
	}
	if got := q.Pop(); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestPushBlocksUntilSpaceFreed(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](2))
	if !q.Push(1) || !q.Push(2) {
		t.Fatalf("expected first two pushes to succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- q.Push(3)
	}()

	select {
	case <-done:
		t.Fatalf("push should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if got := q.Pop(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected blocked push to eventually succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push never unblocked after space freed")
	}
}

func TestPopBlocksUntilValuePushed(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](4))

	done := make(chan int, 1)
	go func() {
		done <- q.Pop()
	}()

	select {
	case <-done:
		t.Fatalf("pop should have blocked on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(99)

	select {
	case v := <-done:
		if v != 99 {
			t.Fatalf("got %d, want 99", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pop never unblocked after value pushed")
	}
}

func TestPopUntilTimesOut(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](4))
	start := time.Now()
	_, ok := q.PopUntil(50 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestPushUntilTimesOutWhenFull(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](1))
	if !q.Push(1) {
		t.Fatalf("expected first push to succeed")
	}
	ok := q.PushUntil(2, 50*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on full queue")
	}
}

func TestPushUntilSucceedsBeforeDeadline(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](1))
	if !q.Push(1) {
		t.Fatalf("expected first push to succeed")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Pop()
	}()
	if !q.PushUntil(2, time.Second) {
		t.Fatalf("expected push to succeed once space freed before deadline")
	}
}

func TestConcurrentProducersConsumersNoLoss(t *testing.T) {
	q := blocking.New[int](lfq.NewMPMC[int](16))
	const producers = 4
	const perProducer = 500
	const total = producers * perProducer

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(base int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(base*perProducer + i)
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[int]bool, total)
	var cwg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				mu.Lock()
				n := len(seen)
				mu.Unlock()
				if n >= total {
					return
				}
				v, ok := q.PopUntil(100 * time.Millisecond)
				if !ok {
					continue
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	pwg.Wait()
	cwg.Wait()

	if len(seen) != total {
		t.Fatalf("collected %d distinct values, want %d", len(seen), total)
	}
}
