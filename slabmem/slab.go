/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"go.uber.org/atomic"
)

type slabState int32

const (
	statePartial slabState = iota
	stateFull
	stateEmptyCached
	stateOrphaned // not recycled at close (non-empty, or never FULL that epoch); no further allocations, live slots still valid
)

// slab is a single page-aligned region carved into N fixed-size slots
// (spec.md §3). List membership (PARTIAL/FULL/empty-cache/overflow) is a
// back-reference, never ownership: the allocator root is the sole owner,
// for the life of the process, of every slab it ever maps.
type slab struct {
	id        uint64 // stable registry key, assigned once at creation
	class     int
	slotSize  int64
	nslots    int
	base      uintptr
	reg       region
	bm        bitmap
	freeCount atomic.Int64
	scanHint  atomic.Int64

	generation atomic.Uint64 // bumped on every recycle; invalidates old handles
	epochSlot  atomic.Uint32 // ring slot of the epoch this incarnation belongs to
	epochEra   atomic.Uint64 // era of that epoch incarnation

	state       slabState // protected by the owning class's mutex
	wasFullThis bool       // protected by the owning class's mutex; FULL-only recycling flag

	next, prev *slab // intrusive list links, protected by the owning class's mutex
}

func newSlabOnRegion(class int, slotSize int64, nslots int, reg region) *slab {
	s := &slab{
		class:    class,
		slotSize: slotSize,
		nslots:   nslots,
		base:     reg.basePtr(),
		reg:      reg,
		bm:       newBitmap(nslots),
	}
	s.freeCount.Store(int64(nslots))
	s.generation.Store(1)
	return s
}

// recycle resets a slab to a fresh, fully-free incarnation and bumps its
// generation, invalidating every handle issued against the previous
// incarnation (spec.md §4.4 point 4). Called only from the reclamation
// sweep, while pushing the slab onto the empty cache, always under the
// owning class mutex. The slab is not yet attached to any epoch: that
// happens in installAsPartial, once it is popped for a new arena.
func (s *slab) recycle() {
	s.bm.resetAllFree()
	s.freeCount.Store(int64(s.nslots))
	s.scanHint.Store(0)
	s.generation.Add(1)
	s.state = stateEmptyCached
	s.wasFullThis = false
	s.next, s.prev = nil, nil
}

// installAsPartial attaches a fresh or cache-popped slab to a (class,
// epoch) arena's PARTIAL list. Called under the owning class mutex, from
// the slow path (cache pop or newly mapped slab).
func (s *slab) installAsPartial(epochSlot uint32, era uint64) {
	s.epochSlot.Store(epochSlot)
	s.epochEra.Store(era)
	s.state = statePartial
	s.wasFullThis = false
}

// slotOffset returns the byte offset of slot i within the slab's region,
// base + i*slotSize, as spec.md §3 defines a slot's identity.
func (s *slab) slotOffset(i int) int64 { return int64(i) * s.slotSize }

// buf returns the byte slice backing slot i.
func (s *slab) buf(i int) []byte {
	off := s.slotOffset(i)
	return s.reg.mem[off : off+s.slotSize]
}

// isFull reports free_count == 0 with acquire ordering.
func (s *slab) isFull() bool { return s.freeCount.Load() == 0 }

// isEmpty reports free_count == nslots with acquire ordering.
func (s *slab) isEmpty() bool { return int(s.freeCount.Load()) == s.nslots }

// Handle is the opaque (slab, slot, generation) triple returned by
// AllocObj — the only legal token for FreeObj (spec.md §3, §4.6, GLOSSARY).
// It carries no pointer: SlabID is a registry key, resolved back to a
// *slab only by the handle registry, so a Handle can never be forged into
// dereferencing arbitrary memory even if a caller fabricates one by hand.
type Handle struct {
	SlabID uint64
	Slot   int32
	Gen    uint64
}

// Valid reports whether h was ever populated by a successful AllocObj.
func (h Handle) Valid() bool { return h.SlabID != 0 }
