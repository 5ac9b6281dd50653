/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

type epochState int32

const (
	epochFree epochState = iota
	epochActive
	epochClosing
	epochClosed
)

func (s epochState) String() string {
	switch s {
	case epochFree:
		return "FREE"
	case epochActive:
		return "ACTIVE"
	case epochClosing:
		return "CLOSING"
	case epochClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EpochID uniquely identifies an epoch incarnation: a ring slot plus the
// era stamped into it when it went FREE->ACTIVE. Two incarnations of the
// same ring slot never compare equal (spec.md §4.3, "Era stamping").
type EpochID struct {
	slot uint32
	era  uint64
}

// Valid reports whether e was ever produced by EpochAdvance.
func (e EpochID) Valid() bool { return e.era != 0 }

// epochRecord is one slot in the fixed-capacity epoch ring (spec.md §3).
type epochRecord struct {
	slot uint32

	state atomic.Int32 // epochState, CAS'd on every transition
	era   atomic.Uint64

	domainRefcount atomic.Int64
	outstanding    atomic.Int64 // alloc_count - observed frees against this epoch
	openSince      atomic.Int64 // UnixNano

	mtx   sync.Mutex // guards label and the drain condvar
	label string
	cond  *sync.Cond // signaled whenever outstanding reaches 0 while CLOSING

	rssBefore            atomic.Int64
	rssAfter             atomic.Int64
	reclaimableSlabCount atomic.Int64

	closeOnce sync.Once // makes EpochClose idempotent (spec.md §8, "Idempotent close")
}

func newEpochRecord(slot uint32) *epochRecord {
	r := &epochRecord{slot: slot}
	r.cond = sync.NewCond(&r.mtx)
	return r
}

func (r *epochRecord) id() EpochID { return EpochID{slot: r.slot, era: r.era.Load()} }

func (r *epochRecord) matches(id EpochID) bool {
	return id.slot == r.slot && id.era == r.era.Load()
}

// epochTable is the fixed-capacity ring of epoch records (spec.md §3).
type epochTable struct {
	records []*epochRecord
	nextEra atomic.Uint64 // process-wide monotone era counter

	mtx      sync.Mutex // guards slot search/allocation on advance
	cursor   uint32     // round-robin search start
	ringSize uint32
}

func newEpochTable(size int) *epochTable {
	t := &epochTable{records: make([]*epochRecord, size), ringSize: uint32(size)}
	for i := range t.records {
		t.records[i] = newEpochRecord(uint32(i))
	}
	return t
}

// advance finds a FREE ring slot, stamps a new era, and transitions it to
// ACTIVE with refcount 1 for the owning domain. Fails only if every ring
// slot is still occupied (CLOSING/ACTIVE/CLOSED awaiting reclamation) —
// the caller should retry after closing older epochs.
func (t *epochTable) advance(label string) (*epochRecord, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for i := uint32(0); i < t.ringSize; i++ {
		slot := (t.cursor + i) % t.ringSize
		r := t.records[slot]
		if epochState(r.state.Load()) == epochFree {
			t.cursor = slot + 1
			era := t.nextEra.Add(1)
			r.era.Store(era)
			r.domainRefcount.Store(1)
			r.outstanding.Store(0)
			r.openSince.Store(time.Now().UnixNano())
			r.rssBefore.Store(0)
			r.rssAfter.Store(0)
			r.reclaimableSlabCount.Store(0)
			r.closeOnce = sync.Once{}
			r.mtx.Lock()
			r.label = label
			r.mtx.Unlock()
			r.state.Store(int32(epochActive))
			return r, nil
		}
	}
	return nil, wrapf(ErrOutOfMemory, "epoch ring exhausted (size=%d)", t.ringSize)
}

func (t *epochTable) byID(id EpochID) (*epochRecord, bool) {
	if !id.Valid() || id.slot >= t.ringSize {
		return nil, false
	}
	r := t.records[id.slot]
	if r.era.Load() != id.era {
		return nil, false
	}
	return r, true
}

// beginClosing transitions ACTIVE->CLOSING via CAS, a no-op if already
// CLOSING/CLOSED. Installing this state is what makes subsequent
// allocators against this epoch discover it without any grace period:
// AllocObj reads the state before each fast-path attempt, and the slow
// path rechecks it under the class mutex; both return ErrEpochClosed.
func (r *epochRecord) beginClosing() {
	r.state.CompareAndSwap(int32(epochActive), int32(epochClosing))
}

// waitDrained blocks until outstanding reaches 0, then transitions
// CLOSING->CLOSED. Uses a condition variable rather than a spin loop
// (SPEC_FULL.md Open Question #3): epoch_close is documented as a
// slow-path-only operation that may suspend.
func (r *epochRecord) waitDrained() {
	r.mtx.Lock()
	for r.outstanding.Load() > 0 {
		r.cond.Wait()
	}
	r.mtx.Unlock()
	r.state.CompareAndSwap(int32(epochClosing), int32(epochClosed))
}

// observeFree decrements outstanding and wakes any waiter in waitDrained
// once it reaches zero.
func (r *epochRecord) observeFree() {
	if left := r.outstanding.Dec(); left == 0 {
		r.mtx.Lock()
		r.cond.Broadcast()
		r.mtx.Unlock()
	} else if left < 0 {
		panic("epoch outstanding allocation count went negative")
	}
}

func (r *epochRecord) observeAlloc() { r.outstanding.Inc() }

// free returns the record to FREE, making its ring slot reusable.
func (r *epochRecord) free() {
	r.state.Store(int32(epochFree))
}

func (r *epochRecord) Label() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.label
}

func (r *epochRecord) State() epochState { return epochState(r.state.Load()) }
