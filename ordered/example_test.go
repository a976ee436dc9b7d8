// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ordered_test

import (
	"fmt"
	"sync"

	"code.hybscloud.com/lfq"

	"github.com/qxt-code/file-server/ordered"
)

// completion is one worker's finished reply, tagged with the sequence
// number of the request it answers.
type completion struct {
	seq   uint64
	reply string
}

// ExampleBuffer demonstrates the intended pipeline: several worker
// goroutines finish requests out of order and push their completions onto
// a shared MPSC aggregation queue; a single connection goroutine drains
// that queue into a Buffer, which releases replies back in request order.
func ExampleBuffer() {
	const n = 5
	completions := lfq.NewMPSC[completion](8)

	var wg sync.WaitGroup
	for _, seq := range []uint64{2, 0, 4, 1, 3} { // workers finish out of order
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			c := completion{seq: seq, reply: fmt.Sprintf("reply-%d", seq)}
			for completions.Enqueue(&c) != nil {
				// queue momentarily full; retry
			}
		}(seq)
	}
	wg.Wait()

	buf := ordered.New(3) // window of 8, plenty for 5 in-flight requests
	buf.ExpectUntil(n)

	for pushed := 0; pushed < n; {
		c, err := completions.Dequeue()
		if err != nil {
			continue
		}
		reply := c.reply
		if buf.Push(c.seq, func() { fmt.Println(reply) }) {
			pushed++
		}
	}
	buf.Drain(func(cb func()) { cb() }, 0)

	// Output:
	// reply-0
	// reply-1
	// reply-2
	// reply-3
	// reply-4
}
