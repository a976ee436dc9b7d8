// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lqueue_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/qxt-code/file-server/lqueue"
)

func TestPushPopFIFOSingleThreaded(t *testing.T) {
	q := lqueue.New[int]()
	consumer := q.Consumer()

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		val, ok := q.Pop(consumer)
		if !ok {
			t.Fatalf("expected value at index %d", i)
		}
		if val != i {
			t.Fatalf("got %d, want %d", val, i)
		}
	}
	if _, ok := q.Pop(consumer); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestEmptyReflectsState(t *testing.T) {
	q := lqueue.New[string]()
	consumer := q.Consumer()
	if !q.Empty() {
		t.Fatalf("new queue should be empty")
	}
	q.Push("a")
	if q.Empty() {
		t.Fatalf("queue with one element should not be empty")
	}
	q.Pop(consumer)
	if !q.Empty() {
		t.Fatalf("drained queue should be empty again")
	}
}

func TestConcurrentProducersConsumersPreserveAllValues(t *testing.T) {
	q := lqueue.New[int]()
	const producers = 8
	const perProducer = 2000
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
	pwg.Wait()

	var mu sync.Mutex
	seen := make(map[int]bool, total)
	var cwg sync.WaitGroup
	const consumers = 4
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			participant := q.Consumer()
			for {
				val, ok := q.Pop(participant)
				if !ok {
					mu.Lock()
					n := len(seen)
					mu.Unlock()
					if n >= total {
						return
					}
					continue
				}
				mu.Lock()
				seen[val] = true
				done := len(seen) >= total
				mu.Unlock()
				if done {
					return
				}
			}
		}()
	}
	cwg.Wait()

	if len(seen) != total {
		t.Fatalf("collected %d distinct values, want %d", len(seen), total)
	}
	for i := 0; i < total; i++ {
		if !seen[i] {
			t.Fatalf("missing value %d", i)
		}
	}
}

func TestSingleProducerMultipleConsumersNoLoss(t *testing.T) {
	q := lqueue.New[int]()
	const total = 5000

	go func() {
		for i := 0; i < total; i++ {
			q.Push(i)
		}
	}()

	var mu sync.Mutex
	var collected []int
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			participant := q.Consumer()
			for {
				val, ok := q.Pop(participant)
				if !ok {
					mu.Lock()
					n := len(collected)
					mu.Unlock()
					if n >= total {
						return
					}
					continue
				}
				mu.Lock()
				collected = append(collected, val)
				done := len(collected) >= total
				mu.Unlock()
				if done {
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(collected) != total {
		t.Fatalf("collected %d values, want %d", len(collected), total)
	}
	sort.Ints(collected)
	for i, v := range collected {
		if v != i {
			t.Fatalf("missing or duplicate value at position %d: got %d", i, v)
		}
	}
}

func TestCloseDrainsRetiredNodes(t *testing.T) {
	q := lqueue.New[int]()
	consumer := q.Consumer()
	for i := 0; i < 200; i++ {
		q.Push(i)
	}
	for i := 0; i < 200; i++ {
		if _, ok := q.Pop(consumer); !ok {
			t.Fatalf("unexpected empty at %d", i)
		}
	}
	q.Close()
}
