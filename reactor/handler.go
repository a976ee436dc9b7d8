// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

// Handler is the reactor-to-connection contract. Each connection registered
// with an [IOReactor] exposes these three callbacks, invoked by the I/O
// reactor goroutine that owns its descriptor. Implementations must not block
// this goroutine for non-trivial work — submit to a worker pool and post
// replies via the owning reactor's [ResponseQueue] instead.
type Handler interface {
	OnReadable(fd int)
	OnWritable(fd int)
	OnError(fd int, err error)
}

// HandlerFuncs adapts three plain functions to the [Handler] interface,
// for callers that don't want a dedicated type per connection.
type HandlerFuncs struct {
	Readable func(fd int)
	Writable func(fd int)
	Error    func(fd int, err error)
}

func (h HandlerFuncs) OnReadable(fd int) {
	if h.Readable != nil {
		h.Readable(fd)
	}
}

func (h HandlerFuncs) OnWritable(fd int) {
	if h.Writable != nil {
		h.Writable(fd)
	}
}

func (h HandlerFuncs) OnError(fd int, err error) {
	if h.Error != nil {
		h.Error(fd, err)
	}
}
