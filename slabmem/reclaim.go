/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import "github.com/golang/glog"

// sweepEpoch runs the deferred reclamation engine's close-time sweep
// (spec.md §4.4) for one epoch record, across every size class. Called
// exactly once per epoch incarnation, from within epochRecord.closeOnce,
// strictly after waitDrained has observed outstanding == 0.
func (a *Allocator) sweepEpoch(rec *epochRecord) {
	var rssBefore, rssAfter int64
	var reclaimable int

	for _, cs := range a.classes {
		cs.lock()
		arena := cs.arenas[rec.slot]

		before := cs.mappedBytesLocked(arena)
		rssBefore += before

		var orphanedThisSweep int64

		// 1. FULL list: anything that drained to EMPTY (a race between a
		// free and the close sweep, never hazard-pointer-guarded — see
		// spec.md §4.4's note on why deferring to the close sweep is safe)
		// is recycled. Anything still non-empty here can't happen given
		// outstanding==0 at this point, but is orphaned defensively rather
		// than trusted to survive the arena reset below.
		s := arena.fullHead
		for s != nil {
			next := s.next
			arena.removeFull(s)
			if s.isEmpty() {
				cs.recycleLocked(s)
				reclaimable++
			} else {
				cs.orphanLocked(s)
				orphanedThisSweep++
			}
			s = next
		}

		// 2. PARTIAL list: EMPTY slabs that were FULL at some point this
		// epoch are recycled (FULL-only recycling invariant); everything
		// else — non-empty, or empty-but-never-FULL — is orphaned.
		// Orphaning detaches the slab from this ring slot's arena entirely
		// (cs.orphanLocked), not just its state field: the ring slot is
		// about to go FREE and be reused by an unrelated later epoch, and
		// a stale arena.currentPartial/partialHead entry pointing at this
		// incarnation's slab would let that later epoch mint handles
		// against memory it never owned (and whose generation/epoch
		// stamps were never bumped to match). Orphaned slabs keep any
		// still-live slots valid until freed; they are simply no longer
		// reachable through any ring-slot arena.
		s = arena.partialHead
		for s != nil {
			next := s.next
			if s.isEmpty() && s.wasFullThis {
				arena.removePartial(s)
				cs.recycleLocked(s)
				reclaimable++
			} else {
				arena.removePartial(s)
				cs.orphanLocked(s)
				orphanedThisSweep++
			}
			s = next
		}

		after := cs.mappedBytesLocked(arena) + orphanedThisSweep*cs.pageBytes
		rssAfter += after

		// The ring slot this arena occupies is about to go FREE and be
		// handed to a later, unrelated epoch incarnation (epochRecord.free,
		// called by the caller right after sweepEpoch returns). Every
		// reachable survivor has already been detached above — recycled
		// slabs left the arena via recycleLocked, orphaned slabs via
		// cs.orphanLocked — so a full reset here can never drop a slab on
		// the floor; it only clears state this incarnation no longer owns.
		arena.reset()

		cs.unlock()
	}

	rec.rssBefore.Store(rssBefore)
	rec.rssAfter.Store(rssAfter)
	rec.reclaimableSlabCount.Store(int64(reclaimable))

	glog.V(3).Infof("slabmem: epoch slot=%d era=%d swept: rss %d -> %d, reclaimed %d slabs",
		rec.slot, rec.era.Load(), rssBefore, rssAfter, reclaimable)
}

// mappedBytesLocked sums the resident bytes of every slab still linked
// into arena's FULL or PARTIAL lists. Caller holds cs.mtx.
func (cs *classState) mappedBytesLocked(arena *classEpochArena) int64 {
	var n int64
	for s := arena.fullHead; s != nil; s = s.next {
		n++
	}
	for s := arena.partialHead; s != nil; s = s.next {
		n++
	}
	return n * cs.pageBytes
}

// orphanLocked marks s orphaned and moves it onto cs.orphaned, off of any
// ring-slot arena. Caller holds cs.mtx and has already unlinked s from
// whatever list it was on.
func (cs *classState) orphanLocked(s *slab) {
	s.state = stateOrphaned
	s.next, s.prev = nil, nil
	cs.orphaned = append(cs.orphaned, s)
}

// recycleLocked resets s to a fresh EMPTY incarnation and pushes it onto
// the class's empty-slab cache (or overflow, past capacity). Caller holds
// cs.mtx.
func (cs *classState) recycleLocked(s *slab) {
	s.recycle()
	if overflowed := cs.cache.push(s); overflowed {
		cs.stats.emptySlabOverflowed.Inc()
	} else {
		cs.stats.emptySlabRecycled.Inc()
	}
}

// drainOverflowLocked returns up to n overflow slabs' pages to the OS via
// return_pages_to_os, bounded by the housekeeping drain policy (spec.md
// §4.4 point 5, §4.5). return_pages_to_os only discards page contents
// (MADV_DONTNEED); it does not unmap, so every drained slab is tracked on
// cs.discarded rather than dropped — Destroy still owns unmapping it.
// Caller holds cs.mtx.
func (cs *classState) drainOverflowLocked(n int) {
	slabs := cs.cache.drainOverflow(n)
	for _, s := range slabs {
		cs.stats.madviseCalls.Inc()
		if err := cs.vm.returnPagesToOS(s.reg); err != nil {
			cs.stats.madviseFailures.Inc()
			glog.Warningf("slabmem: return_pages_to_os failed for class %d: %v", cs.class, err)
		} else {
			cs.stats.madviseBytes.Add(uint64(cs.pageBytes))
		}
		cs.discarded = append(cs.discarded, s)
	}
}
