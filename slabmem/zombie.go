/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import "github.com/golang/glog"

// detectZombie peeks s.state without the owning class mutex, the same
// optimistic-peek-then-confirm-under-lock idiom tryAllocFromSlab and
// FreeObj already use for their own list-membership fast checks. A zombie
// is a slab whose free_count and list placement have gone transiently
// inconsistent because of the publication race spec.md §4.6 describes:
// free_count reached zero (or left zero) between the moment a racing
// thread read current_partial and the moment this thread observed it.
func detectZombie(s *slab) (zombie bool, reason string) {
	switch full := s.isFull(); {
	case s.state == stateOrphaned:
		// An orphaned slab belongs to a closed epoch incarnation and must
		// never be reachable as current_partial: sweepEpoch detaches every
		// orphaned slab from its ring-slot arena before the slot can be
		// reused, so seeing one here means that detachment was bypassed.
		return true, "slab orphaned by a prior epoch incarnation's sweep"
	case full && s.state != stateFull:
		return true, "free_count zero but slab not on FULL list"
	case !full && s.state == stateFull:
		return true, "free_count nonzero but slab still on FULL list"
	default:
		return false, ""
	}
}

// repairZombie reconciles s's list placement against its bitmap's actual
// popcount under the owning class mutex, then lets the caller re-enter the
// fast path (spec.md §4.6: "the thread repairs it ... and re-enters the
// fast path"). free_count is a tautology of popcount by construction once
// repaired, so this is also the only place outside bitmap construction
// that re-derives free_count from the bitmap directly rather than trusting
// the atomic counter.
func (a *Allocator) repairZombie(cs *classState, arena *classEpochArena, s *slab, reason string) {
	cs.lock()
	defer cs.unlock()

	free := s.bm.popcount()
	s.freeCount.Store(int64(free))

	switch {
	case s.state == stateOrphaned:
		// Nothing to reconcile against the bitmap: an orphaned slab must
		// simply stop being current_partial so the retry falls through to
		// the slow path and installs a real one.
		cs.stats.currentPartialCASAttempts.Inc()
		if !arena.currentPartial.CompareAndSwap(s, nil) {
			cs.stats.currentPartialCASFailures.Inc()
		}
	case free == 0 && s.state == statePartial:
		arena.removePartial(s)
		arena.pushFull(s)
		cs.stats.currentPartialCASAttempts.Inc()
		if !arena.currentPartial.CompareAndSwap(s, nil) {
			cs.stats.currentPartialCASFailures.Inc()
		}
	case free > 0 && s.state == stateFull:
		arena.removeFull(s)
		arena.pushPartial(s)
		cs.stats.currentPartialCASAttempts.Inc()
		if !arena.currentPartial.CompareAndSwap(nil, s) {
			cs.stats.currentPartialCASFailures.Inc()
		}
	}

	cs.stats.zombieRepairCount.Inc()
	glog.Warningf("slabmem: zombie repaired class=%d slab=%d reason=%q free_count=%d",
		cs.class, s.id, reason, free)
}
