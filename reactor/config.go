// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reactor

import "github.com/qxt-code/file-server/internal/logx"

// Config tunes an I/O reactor or the accept reactor. Zero fields fall back
// to documented defaults.
type Config struct {
	// PollTimeoutMS bounds how long a single poll call blocks with no
	// ready events, so the stop flag is re-checked periodically.
	PollTimeoutMS int

	// ResponseQueueCapacity sizes an I/O reactor's owned response queue.
	ResponseQueueCapacity int

	// PinCoreID pins the reactor's goroutine to a CPU core via
	// github.com/qxt-code/file-server/internal/affinity. Nil means no
	// pinning — the zero value of Config does not pin, since core 0 is
	// itself a valid, distinct choice from "don't pin".
	PinCoreID *int

	Logger logx.Logger
}

func (c Config) withDefaults() Config {
	if c.PollTimeoutMS == 0 {
		c.PollTimeoutMS = 1000
	}
	if c.ResponseQueueCapacity == 0 {
		c.ResponseQueueCapacity = 1024
	}
	if c.Logger == nil {
		c.Logger = logx.NopLogger{}
	}
	return c
}
