// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qxt-code/file-server/internal/logx"
	"github.com/qxt-code/file-server/reactor"
)

// echoHandler submits back whatever bytes arrive on fd via the owning I/O
// reactor's response queue, exercising the full readable -> response queue
// -> wakeup -> drain -> write round trip end to end.
type echoHandler struct {
	respq *reactor.ResponseQueue
}

func (h *echoHandler) OnReadable(fd int) {
	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	if err != nil || n <= 0 {
		return
	}
	h.respq.Submit(fd, append([]byte(nil), buf[:n]...))
}

func (h *echoHandler) OnWritable(int)     {}
func (h *echoHandler) OnError(int, error) {}

func TestAcceptReactorDispatchesAndEchoesThroughResponseQueue(t *testing.T) {
	cfg := reactor.Config{Logger: logx.NopLogger{}, PollTimeoutMS: 200}
	ior, err := reactor.NewIOReactor(0, cfg)
	if err != nil {
		t.Fatalf("NewIOReactor: %v", err)
	}
	ior.Start()
	defer ior.Stop()

	acc, err := reactor.NewAcceptReactor(cfg, []*reactor.IOReactor{ior})
	if err != nil {
		t.Fatalf("NewAcceptReactor: %v", err)
	}
	acc.SetHandlerFactory(func(fd int) reactor.Handler {
		return &echoHandler{respq: ior.ResponseQueue()}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen (port probe): %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if err := acc.ListenOn(uint16(port), "127.0.0.1", 16); err != nil {
		t.Fatalf("ListenOn: %v", err)
	}
	acc.Start()
	defer acc.Stop()

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

