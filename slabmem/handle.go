/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"go.uber.org/atomic"

	"github.com/blackwell-systems/temporal-slab-sub001/cmn"
)

// handleRegistry maps a slab's stable id to its live *slab, the way
// spec.md §3/§4.6 describe: "maps an opaque handle ... to a slot;
// validates on free to prevent ABA and stale frees." It is sharded the
// same way cmn.ShardedMap shards aistore's own high-fanout lookup tables,
// so validation on the free fast path never serializes behind one lock.
//
// A slab is registered exactly once, at map_page time, and stays
// registered for the slab's entire lifetime (including every recycle
// incarnation) — only the generation counter changes across incarnations,
// so registry entries are never removed except at allocator teardown.
type handleRegistry struct {
	m      cmn.ShardedMap
	nextID atomic.Uint64
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{}
}

func (r *handleRegistry) register(s *slab) {
	id := r.nextID.Add(1)
	s.id = id
	shard := r.m.GetByHash(uint32(id))
	shard.Store(id, s)
}

// resolve decodes h back to its *slab and validates the generation.
// Returns ErrInvalidHandle if SlabID is unknown (forged or already torn
// down), ErrStaleHandle if the slab has been recycled since h was issued.
// Never touches slab memory.
func (r *handleRegistry) resolve(h Handle) (*slab, error) {
	if !h.Valid() {
		return nil, ErrInvalidHandle
	}
	shard := r.m.GetByHash(uint32(h.SlabID))
	v, ok := shard.Load(h.SlabID)
	if !ok {
		return nil, ErrInvalidHandle
	}
	s := v.(*slab)
	if h.Slot < 0 || int(h.Slot) >= s.nslots {
		return nil, ErrInvalidHandle
	}
	if s.generation.Load() != h.Gen {
		// The slab itself is returned alongside the error so the caller
		// (FreeObj) can still attribute the stale-handle stat to the
		// right class, even though the handle is rejected.
		return s, ErrStaleHandle
	}
	return s, nil
}

func (r *handleRegistry) makeHandle(s *slab, slot int) Handle {
	return Handle{SlabID: s.id, Slot: int32(slot), Gen: s.generation.Load()}
}

// unregister removes a slab's registry entry; called only during
// allocator teardown, never while any slab could still be in use.
func (r *handleRegistry) unregister(s *slab) {
	shard := r.m.GetByHash(uint32(s.id))
	shard.Delete(s.id)
}
