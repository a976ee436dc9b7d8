// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backoff_test

import (
	"testing"

	"github.com/qxt-code/file-server/backoff"
)

func TestExponentialDoublesUpToCeiling(t *testing.T) {
	b := backoff.NewExponential(8)
	for i := 0; i < 10; i++ {
		b.Wait()
	}
	// No observable state beyond behavior; just ensure Wait/Reset don't panic
	// and Reset brings it back to a fresh state indistinguishable from new.
	b.Reset()
	fresh := backoff.NewExponential(8)
	b.Wait()
	fresh.Wait()
}

func TestExponentialZeroCeilingDefaults(t *testing.T) {
	b := backoff.NewExponential(0)
	if b.Ceiling != 64 {
		t.Fatalf("expected default ceiling 64, got %d", b.Ceiling)
	}
}

func TestHybridZeroDefaults(t *testing.T) {
	h := backoff.NewHybrid(0, 0)
	if h.SpinCeiling != 128 || h.YieldThreshold != 32 {
		t.Fatalf("unexpected defaults: spin=%d yield=%d", h.SpinCeiling, h.YieldThreshold)
	}
}

func TestHybridPhasesDoNotPanic(t *testing.T) {
	h := backoff.NewHybrid(2, 2)
	for i := 0; i < 10; i++ {
		h.Wait()
	}
	h.Reset()
}

func TestZeroValueExponentialUsable(t *testing.T) {
	var b backoff.Exponential
	b.Wait()
	b.Wait()
}
