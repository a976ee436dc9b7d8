// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ebr provides epoch-based reclamation for the linked MPMC queue in
// [github.com/qxt-code/file-server/lqueue]. A [Domain] tracks a global epoch
// and one [Participant] record per long-lived worker goroutine; retired
// nodes are reclaimed once every active participant has observed a later
// epoch, giving safe-to-free without reference counting or hazard pointers.
//
// Go has no stable thread-local storage, so unlike a thread_local-cached
// binding this package asks each long-lived goroutine (a pool worker, a
// reactor loop) to call [Domain.Register] once at startup and keep the
// returned [Participant] for its lifetime — the same amortized registration
// cost, made explicit instead of hidden behind a runtime hook.
package ebr

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

const (
	// MaxParticipants bounds the number of goroutines that may Register
	// with a single Domain.
	MaxParticipants = 128
	// RetireThreshold triggers an epoch-advance attempt and a local scan
	// once a participant accumulates this many retired pointers.
	RetireThreshold = 64
	// OpCheckInterval triggers a periodic epoch-advance attempt every this
	// many retire calls, independent of RetireThreshold.
	OpCheckInterval = 1024
)

type pad [64]byte

// Stats exposes coarse counters for diagnosing reclamation health.
type Stats struct {
	AdvanceAttempts uint64
	AdvanceSuccess  uint64
	Retired         uint64
	Reclaimed       uint64
}

type retiredItem struct {
	ptr     unsafe.Pointer
	epoch   uint64
	deleter func(unsafe.Pointer)
}

type record struct {
	_          pad
	active     atomix.Uint64 // 0 or 1; tracked as Uint64 for the same CAS/load-acquire vocabulary as the rest of the module
	localEpoch atomix.Uint64
	_          pad
	retired    []retiredItem
	opCount    uint64
}

// Domain is an epoch-based reclamation domain. The zero value is not usable;
// construct with [NewDomain].
type Domain struct {
	_            pad
	globalEpoch  atomix.Uint64
	_            pad
	registered   atomix.Uint64
	_            pad
	advancing    atomix.Uint64 // 0 or 1; guards tryAdvanceEpoch like a spinlock
	threads      [MaxParticipants]record

	advanceAttempts atomix.Uint64
	advanceSuccess  atomix.Uint64
	retiredCount    atomix.Uint64
	reclaimedCount  atomix.Uint64
}

// NewDomain returns a ready-to-use epoch domain starting at epoch 0.
func NewDomain() *Domain {
	return &Domain{}
}

// Participant is a registered binding between one long-lived goroutine and
// a slot in the owning Domain. It is not safe for concurrent use by more
// than one goroutine at a time.
type Participant struct {
	domain *Domain
	id     uint64
}

// Register allocates a new participant slot. Callers should register once
// per long-lived goroutine (a pool worker, a reactor loop) and reuse the
// returned Participant for the goroutine's lifetime; registering per
// operation defeats the point of caching the slot. Register panics if the
// domain's MaxParticipants capacity is exhausted.
func (d *Domain) Register() *Participant {
	id := d.registered.AddAcqRel(1) - 1
	if id >= MaxParticipants {
		panic("ebr: exceeded MaxParticipants")
	}
	d.threads[id].localEpoch.StoreRelaxed(d.globalEpoch.LoadRelaxed())
	return &Participant{domain: d, id: id}
}

// Guard marks a participant as active for the duration of a critical
// section; Unpin must be called exactly once, typically via defer.
type Guard struct {
	p *Participant
}

// Pin marks the participant active at the current global epoch. Pointers
// read while pinned may be safely dereferenced until Unpin is called — the
// domain will not reclaim anything retired at or after this epoch while the
// participant remains active.
func (p *Participant) Pin() Guard {
	rec := &p.domain.threads[p.id]
	rec.active.StoreRelease(1)
	rec.localEpoch.StoreRelease(p.domain.globalEpoch.LoadAcquire())
	return Guard{p: p}
}

// Unpin marks the participant inactive, allowing the domain to advance the
// epoch past whatever the participant last observed.
func (g Guard) Unpin() {
	g.p.domain.threads[g.p.id].active.StoreRelease(0)
}

// Retire schedules ptr for reclamation via deleter once no participant can
// still observe the epoch in which it was retired. deleter is never called
// while any participant is pinned at or before retire time plus one epoch —
// see the two-epoch lag in scanRecord. Retire is only safe to call from the
// goroutine that owns p; it is not shared across goroutines.
func (p *Participant) Retire(ptr unsafe.Pointer, deleter func(unsafe.Pointer)) {
	if ptr == nil {
		return
	}
	d := p.domain
	rec := &d.threads[p.id]
	epoch := d.globalEpoch.LoadAcquire()
	rec.retired = append(rec.retired, retiredItem{ptr: ptr, epoch: epoch, deleter: deleter})
	d.retiredCount.AddAcqRel(1)

	if len(rec.retired) >= RetireThreshold {
		d.tryAdvanceEpoch()
		d.scanRecord(p.id)
	}

	rec.opCount++
	if rec.opCount%OpCheckInterval == 0 {
		d.tryAdvanceEpoch()
	}
}

// tryAdvanceEpoch bumps the global epoch by one if every active participant
// has observed the current epoch. A CAS-guarded flag (advancing) serializes
// concurrent advance attempts without blocking readers.
func (d *Domain) tryAdvanceEpoch() {
	d.advanceAttempts.AddAcqRel(1)
	if !d.advancing.CompareAndSwapAcqRel(0, 1) {
		return
	}
	defer d.advancing.StoreRelease(0)

	ge := d.globalEpoch.LoadRelaxed()
	regCount := d.registered.LoadAcquire()
	for i := uint64(0); i < regCount; i++ {
		rec := &d.threads[i]
		if rec.active.LoadAcquire() != 0 {
			if rec.localEpoch.LoadAcquire() < ge {
				return
			}
		}
	}

	if d.globalEpoch.CompareAndSwapAcqRel(ge, ge+1) {
		d.advanceSuccess.AddAcqRel(1)
	}
}

// computeSafeEpoch returns the minimum local epoch observed among active
// participants, or the current global epoch if none are active.
func (d *Domain) computeSafeEpoch() uint64 {
	ge := d.globalEpoch.LoadAcquire()
	regCount := d.registered.LoadAcquire()
	for i := uint64(0); i < regCount; i++ {
		rec := &d.threads[i]
		if rec.active.LoadAcquire() != 0 {
			if le := rec.localEpoch.LoadAcquire(); le < ge {
				ge = le
			}
		}
	}
	return ge
}

// scanRecord reclaims every item retired by participant id whose retire
// epoch is at least two epochs behind the current safe epoch.
// scanRecordForce with force set reclaims every item regardless of epoch
// (used only during DrainAll).
func (d *Domain) scanRecord(id uint64) {
	d.scanRecordForce(id, false)
}

func (d *Domain) scanRecordForce(id uint64, force bool) {
	rec := &d.threads[id]
	if len(rec.retired) == 0 {
		return
	}
	safe := d.computeSafeEpoch()

	kept := rec.retired[:0]
	for _, item := range rec.retired {
		if force || item.epoch+2 <= safe {
			item.deleter(item.ptr)
			d.reclaimedCount.AddAcqRel(1)
		} else {
			kept = append(kept, item)
		}
	}
	rec.retired = kept
}

// DrainAll reclaims every outstanding retired pointer across all registered
// participants, bypassing the epoch lag check. Callers must ensure no
// participant is pinned and no further Retire calls will occur — this is a
// shutdown operation, not a concurrency-safe one.
func (d *Domain) DrainAll() {
	regCount := d.registered.LoadAcquire()
	for round := 0; round < 8; round++ {
		for i := uint64(0); i < regCount; i++ {
			d.scanRecord(i)
		}
	}
	for i := uint64(0); i < regCount; i++ {
		d.scanRecordForce(i, true)
	}
}

// Stats returns a snapshot of the domain's reclamation counters.
func (d *Domain) Stats() Stats {
	return Stats{
		AdvanceAttempts: d.advanceAttempts.LoadAcquire(),
		AdvanceSuccess:  d.advanceSuccess.LoadAcquire(),
		Retired:         d.retiredCount.LoadAcquire(),
		Reclaimed:       d.reclaimedCount.LoadAcquire(),
	}
}
