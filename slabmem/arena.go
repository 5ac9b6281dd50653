/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"go.uber.org/atomic"
)

const (
	scanSequential int32 = iota
	scanRandomized
)

// retryWindow is the number of bitmap CAS attempts sampled before the
// adaptive scan mode re-evaluates its retry rate (spec.md §4.2).
const retryWindow = 256

const (
	retryHighWatermark = 0.30
	retryLowWatermark  = 0.10
)

// classEpochArena holds the PARTIAL/FULL lists and current_partial hint
// for one (size class, epoch-ring-slot) pair. It is reset in place at the
// end of each close sweep, before its ring slot goes FREE and can be handed
// to a new incarnation, so its lifetime tracks the ring slot, not any one
// epoch — matching how the epoch table itself reuses ring slots (spec.md §3).
type classEpochArena struct {
	class int

	currentPartial atomic.Pointer[slab] // acquire-load, release-store
	scanMode       atomic.Int32

	windowAttempts atomic.Int64
	windowRetries  atomic.Int64

	partialHead *slab // LIFO head; protected by the owning classState mutex
	fullHead    *slab // protected by the owning classState mutex

	currentPartialCASAttempts atomic.Int64
	currentPartialCASFailures atomic.Int64
}

func newClassEpochArena(class int) *classEpochArena {
	return &classEpochArena{class: class}
}

// reset clears an arena for reuse against a fresh epoch incarnation. Called
// under the class mutex at the end of the close sweep, while the owning
// epoch is CLOSED and allocation against it is refused, and from Destroy.
func (a *classEpochArena) reset() {
	a.currentPartial.Store(nil)
	a.scanMode.Store(scanSequential)
	a.windowAttempts.Store(0)
	a.windowRetries.Store(0)
	a.partialHead = nil
	a.fullHead = nil
}

// recordAttempt folds one bitmap CAS attempt (and its retry count) into
// the sliding window and flips scan mode when the retry rate crosses a
// watermark (spec.md §4.2). Called from the fast path, so the update
// itself must stay branch-light: two atomic adds plus, on a window
// boundary, a handful of atomic ops and an atomic store.
func (a *classEpochArena) recordAttempt(retries int) {
	attempts := a.windowAttempts.Add(1)
	var fails int64
	if retries > 0 {
		fails = a.windowRetries.Add(int64(retries))
	} else {
		fails = a.windowRetries.Load()
	}
	if attempts < retryWindow {
		return
	}
	rate := float64(fails) / float64(attempts)
	switch {
	case rate > retryHighWatermark:
		a.scanMode.Store(scanRandomized)
	case rate < retryLowWatermark:
		a.scanMode.Store(scanSequential)
	}
	a.windowAttempts.Store(0)
	a.windowRetries.Store(0)
}

func (a *classEpochArena) mode() int32 { return a.scanMode.Load() }

// pushPartial inserts s at the head of the PARTIAL list (LIFO, for cache
// temperature per spec.md §4.2's ordering rule). Caller holds the class mutex.
func (a *classEpochArena) pushPartial(s *slab) {
	s.state = statePartial
	s.next = a.partialHead
	s.prev = nil
	if a.partialHead != nil {
		a.partialHead.prev = s
	}
	a.partialHead = s
}

// popPartialHead removes and returns the PARTIAL list head, or nil.
// Caller holds the class mutex.
func (a *classEpochArena) popPartialHead() *slab {
	s := a.partialHead
	if s == nil {
		return nil
	}
	a.partialHead = s.next
	if a.partialHead != nil {
		a.partialHead.prev = nil
	}
	s.next, s.prev = nil, nil
	return s
}

// removePartial unlinks s from the PARTIAL list. Caller holds the class mutex.
func (a *classEpochArena) removePartial(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if a.partialHead == s {
		a.partialHead = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}

// pushFull inserts s at the head of the FULL list. Caller holds the class mutex.
func (a *classEpochArena) pushFull(s *slab) {
	s.state = stateFull
	s.wasFullThis = true
	s.next = a.fullHead
	s.prev = nil
	if a.fullHead != nil {
		a.fullHead.prev = s
	}
	a.fullHead = s
}

// removeFull unlinks s from the FULL list. Caller holds the class mutex.
func (a *classEpochArena) removeFull(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if a.fullHead == s {
		a.fullHead = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}
