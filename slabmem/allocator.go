/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blackwell-systems/temporal-slab-sub001/cmn/debug"
	"github.com/blackwell-systems/temporal-slab-sub001/hk"
	"github.com/blackwell-systems/temporal-slab-sub001/sys"
)

const maxAllocRetries = 8

// classState is one size class's entire live state: its empty-slab cache,
// its per-ring-slot arenas, and the mutex serializing slow-path operations
// against it (spec.md §4.2, "the owning class mutex"). The fast path takes
// this lock only to move a slab between the PARTIAL and FULL lists; cache
// pop/push, new-slab mapping, zombie repair, and the close sweep take it
// as well.
type classState struct {
	class     int
	slotSize  int64
	nslots    int
	pageBytes int64

	mtx    sync.Mutex
	arenas []*classEpochArena

	cache *emptyCache
	stats *classStats
	vm    vm

	// orphaned holds slabs detached from a ring slot's arena at close-sweep
	// time that the FULL-only recycling invariant won't let back into the
	// empty cache (spec.md §4.4's "orphaned" outcome). They are never
	// reused — a still-live slot stays valid until its own FreeObj call —
	// but they must not keep hanging off the ring-slot arena, since that
	// slot gets reused by a later, unrelated epoch incarnation. Destroy
	// still has to unmap them, so classState tracks them directly instead
	// of by ring slot. Protected by mtx.
	orphaned []*slab

	// discarded holds slabs whose pages were returned to the OS by the
	// overflow drain (spec.md §4.5) but that haven't been through
	// unmapPage yet. madvise discards the contents, not the mapping, so
	// Destroy still has to walk this list and actually unmap it. Protected
	// by mtx.
	discarded []*slab
}

func (cs *classState) lock() {
	cs.stats.lockAcquisitions.Inc()
	if cs.mtx.TryLock() {
		cs.stats.lockFastAcquire.Inc()
		return
	}
	cs.stats.lockContended.Inc()
	cs.mtx.Lock()
}

func (cs *classState) unlock() { cs.mtx.Unlock() }

// Domain is a logical allocation scope (spec.md §4.6's "domain
// refcounting"): DomainEnter bumps the current epoch's domain refcount and
// DomainExit drops it; when the last domain exits, the epoch moves to
// CLOSING. AllocObj does not touch the refcount, and an explicit
// EpochClose closes the epoch whatever the refcount is.
type Domain struct {
	id    uuid.UUID
	label string

	mtx   sync.Mutex
	epoch *epochRecord
}

// Label returns the domain's attribution tag, stamped once at
// DomainEnter and never rewritable afterward (SPEC_FULL.md Open Question
// decision #2).
func (d *Domain) Label() string { return d.label }

// classSizes, numClasses, classOf, slotsPerSlab are defined in sizeclass.go.

// Allocator is the root handle for one independent slab-allocation
// universe: its own size classes, epoch ring, handle registry, and
// housekeeping ticker. Safe for concurrent use by any number of
// goroutines; there is exactly one Allocator per process in the common
// case, mirroring memsys.MMSA's singleton-by-convention usage.
type Allocator struct {
	cfg     Config
	classes [numClasses]*classState
	epochs  *epochTable
	handles *handleRegistry

	defaultDomain *Domain

	hk      *hk.Housekeeper
	hkOwned bool

	destroyed  bool
	destroyMtx sync.Mutex
}

// NewAllocator builds an Allocator from cfg, resolving defaults and
// environment overrides (spec.md §6). It maps no memory up front: every
// slab is created lazily, on first allocation against each class.
func NewAllocator(cfg Config) (*Allocator, error) {
	rc, err := cfg.resolve()
	if err != nil {
		return nil, wrapf(err, "resolve config")
	}

	a := &Allocator{
		cfg:     rc,
		epochs:  newEpochTable(rc.EpochRingSize),
		handles: newHandleRegistry(),
	}
	for c := 0; c < numClasses; c++ {
		slotSize := classSizes[c]
		nslots := slotsPerSlab(slotSize, rc.SlabPageBytes)
		cs := &classState{
			class:     c,
			slotSize:  slotSize,
			nslots:    nslots,
			pageBytes: rc.SlabPageBytes,
			arenas:    make([]*classEpochArena, rc.EpochRingSize),
			cache:     newEmptyCache(rc.cacheCapacityFor(c)),
			stats:     newClassStats(),
			vm:        rc.VM,
		}
		for i := range cs.arenas {
			cs.arenas[i] = newClassEpochArena(c)
		}
		a.classes[c] = cs
	}

	dom, err := a.DomainEnter("default")
	if err != nil {
		return nil, wrapf(err, "open default domain")
	}
	a.defaultDomain = dom

	if rc.HousekeepInterval > 0 {
		a.hk = hk.New(rc.HousekeepInterval)
		a.hkOwned = true
		a.hk.Reg(rc.Name+".overflow-drain", a.drainOverflowSweep, rc.HousekeepInterval)
		go a.hk.Run()
	}

	glog.V(2).Infof("slabmem[%s]: allocator ready, %d classes, epoch ring size %d",
		rc.Name, numClasses, rc.EpochRingSize)
	return a, nil
}

// drainOverflowSweep is the housekeeping callback that returns overflow
// empty-cache pages to the OS once a class's overflow list crosses
// OverflowDrainHighWatermark (spec.md §4.5).
func (a *Allocator) drainOverflowSweep() {
	for _, cs := range a.classes {
		cs.lock()
		if n := cs.cache.overflowLen(); n >= a.cfg.OverflowDrainHighWatermark {
			cs.drainOverflowLocked(n)
		}
		cs.unlock()
	}
}

// EpochCurrent returns the default domain's currently active epoch,
// matching spec.md §4.3's epoch_current(alloc) operation for callers that
// never opened an explicit Domain.
func (a *Allocator) EpochCurrent() EpochID {
	a.defaultDomain.mtx.Lock()
	defer a.defaultDomain.mtx.Unlock()
	return a.defaultDomain.epoch.id()
}

// EpochAdvance opens a fresh epoch incarnation on the default domain and
// returns its id, the way epoch_advance does in spec.md §4.3. The
// previous incarnation is left exactly as it was; closing it is a
// separate, explicit EpochClose call.
func (a *Allocator) EpochAdvance(label string) (EpochID, error) {
	rec, err := a.epochs.advance(label)
	if err != nil {
		return EpochID{}, err
	}
	a.defaultDomain.mtx.Lock()
	a.defaultDomain.epoch = rec
	a.defaultDomain.mtx.Unlock()
	return rec.id(), nil
}

// EpochClose drains, sweeps, and frees the epoch incarnation named by id
// (spec.md §4.4). It blocks until every in-flight allocation against id
// has been freed. Idempotent: a second call against the same id is a
// no-op returning nil. Returns only an error; the sweep's before/after RSS
// figures are read through StatsEpoch.
func (a *Allocator) EpochClose(id EpochID) error {
	rec, ok := a.epochs.byID(id)
	if !ok {
		return ErrEpochUnknown
	}
	rec.closeOnce.Do(func() {
		rec.beginClosing()
		rec.waitDrained()
		a.sweepEpoch(rec)
		rec.free()
	})
	return nil
}

// DomainEnter opens a new Domain against the default domain's current
// epoch (or, for the very first call during NewAllocator, against a
// freshly advanced epoch), bumping that epoch's domain refcount (spec.md
// §4.6).
func (a *Allocator) DomainEnter(label string) (*Domain, error) {
	var rec *epochRecord
	if a.defaultDomain == nil {
		var err error
		rec, err = a.epochs.advance(label)
		if err != nil {
			return nil, err
		}
	} else {
		a.defaultDomain.mtx.Lock()
		rec = a.defaultDomain.epoch
		a.defaultDomain.mtx.Unlock()
		rec.domainRefcount.Inc()
	}
	return &Domain{id: uuid.New(), label: label, epoch: rec}, nil
}

// DomainExit decrements dom's epoch's domain refcount. Reaching zero moves
// the epoch ACTIVE->CLOSING; it never drains, sweeps or frees it, which
// remains the job of an explicit EpochClose call (spec.md §4.6's
// refcounting rule is distinct from the explicit epoch_close operation).
func (a *Allocator) DomainExit(dom *Domain) {
	dom.mtx.Lock()
	rec := dom.epoch
	dom.mtx.Unlock()
	if left := rec.domainRefcount.Dec(); left == 0 {
		rec.beginClosing()
	} else if left < 0 {
		panic("domain refcount went negative")
	}
}

// AllocObj reserves one slot sized for size within epoch, returning an
// opaque Handle and the backing byte slice (spec.md §4.1-§4.2). Returns
// ErrRequestTooLarge, ErrEpochClosed, or ErrOutOfMemory.
func (a *Allocator) AllocObj(size int64, epoch EpochID) (Handle, []byte, error) {
	class, _, err := classOf(size)
	if err != nil {
		return Handle{}, nil, err
	}
	rec, ok := a.epochs.byID(epoch)
	if !ok {
		return Handle{}, nil, ErrEpochUnknown
	}

	cs := a.classes[class]

	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		if epochState(rec.state.Load()) != epochActive {
			cs.stats.slowPathEpochClosed.Inc()
			return Handle{}, nil, ErrEpochClosed
		}

		arena := cs.arenas[rec.slot]
		s := arena.currentPartial.Load()
		if s != nil {
			if zombie, reason := detectZombie(s); zombie {
				a.repairZombie(cs, arena, s, reason)
				continue
			}
			h, buf, ok, retries := a.tryAllocFromSlab(cs, arena, s, rec)
			cs.stats.bitmapAllocAttempts.Inc()
			cs.stats.bitmapAllocCASRetries.Add(uint64(retries))
			if ok {
				rec.observeAlloc()
				cs.stats.allocCount.Inc()
				return h, buf, nil
			}
			// s was full or a concurrent racer just filled it: fall
			// through to the slow path to install a new current_partial.
		}

		h, buf, err := a.slowPathAlloc(cs, arena, rec)
		if err == errRetry {
			continue
		}
		if err != nil {
			return Handle{}, nil, err
		}
		rec.observeAlloc()
		cs.stats.allocCount.Inc()
		return h, buf, nil
	}
	return Handle{}, nil, wrapf(ErrOutOfMemory, "class %d: exceeded %d alloc retries", class, maxAllocRetries)
}

// errRetry is an internal sentinel: the slow path lost a race installing
// current_partial and the whole AllocObj attempt should restart from the
// fast path. Never escapes Allocator's exported surface.
var errRetry = errors.New("slabmem: internal retry")

// tryAllocFromSlab attempts the lock-free fast path against a specific
// slab already installed as current_partial, honoring the arena's
// adaptive scan mode for the bitmap start word (spec.md §4.2).
func (a *Allocator) tryAllocFromSlab(cs *classState, arena *classEpochArena, s *slab, rec *epochRecord) (Handle, []byte, bool, int) {
	start := int(s.scanHint.Load())
	if arena.mode() == scanRandomized {
		start = int(newLCG(uint64(s.id) ^ rec.era.Load()).next() % uint64(len(s.bm.words)))
	}
	slot, ok, retries := s.bm.tryAlloc(start)
	if *a.cfg.AdaptiveScanEnabled {
		arena.recordAttempt(retries)
	}
	if !ok {
		return Handle{}, nil, false, retries
	}
	s.scanHint.Store(int64((slot / 64)))
	left := s.freeCount.Add(-1)
	debug.Assert(left >= 0, "free_count went negative")

	if left == 0 {
		cs.lock()
		if s.state == statePartial {
			arena.removePartial(s)
			arena.pushFull(s)
			cs.stats.currentPartialCASAttempts.Inc()
			if !arena.currentPartial.CompareAndSwap(s, nil) {
				cs.stats.currentPartialCASFailures.Inc()
			}
		}
		cs.unlock()
	}

	h := a.handles.makeHandle(s, slot)
	return h, s.buf(slot), true, retries
}

// slowPathAlloc runs under the owning class mutex: pop the empty cache,
// or map a fresh slab, install it as the epoch's current_partial, and
// retry the fast-path bit flip once against it.
func (a *Allocator) slowPathAlloc(cs *classState, arena *classEpochArena, rec *epochRecord) (Handle, []byte, error) {
	cs.stats.slowPathHits.Inc()
	cs.lock()
	defer cs.unlock()

	if epochState(rec.state.Load()) != epochActive {
		cs.stats.slowPathEpochClosed.Inc()
		return Handle{}, nil, ErrEpochClosed
	}

	// Another goroutine may have already installed a usable
	// current_partial while we waited for the lock.
	if s := arena.currentPartial.Load(); s != nil && !s.isFull() {
		return Handle{}, nil, errRetry
	}

	s := cs.cache.pop()
	if s == nil {
		cs.stats.slowPathCacheMiss.Inc()
		reg, err := cs.vm.mapPage(int(cs.pageBytes))
		if err != nil {
			return Handle{}, nil, err
		}
		s = newSlabOnRegion(cs.class, cs.slotSize, cs.nslots, reg)
		a.handles.register(s)
		cs.stats.newSlabCount.Inc()
	}

	s.installAsPartial(rec.slot, rec.era.Load())
	arena.pushPartial(s)
	arena.currentPartial.Store(s)

	return a.finishSlowAlloc(cs, arena, s)
}

// finishSlowAlloc performs the single guaranteed-to-succeed bit flip
// against a just-installed, all-free slab. Caller holds cs.mtx.
func (a *Allocator) finishSlowAlloc(cs *classState, arena *classEpochArena, s *slab) (Handle, []byte, error) {
	slot, ok, retries := s.bm.tryAlloc(0)
	cs.stats.bitmapAllocAttempts.Inc()
	cs.stats.bitmapAllocCASRetries.Add(uint64(retries))
	if !ok {
		return Handle{}, nil, wrapf(ErrOutOfMemory, "freshly installed slab reported no free slots")
	}
	if left := s.freeCount.Add(-1); left == 0 {
		// A slab with exactly one slot goes straight to FULL.
		arena.removePartial(s)
		arena.pushFull(s)
		cs.stats.currentPartialCASAttempts.Inc()
		if !arena.currentPartial.CompareAndSwap(s, nil) {
			cs.stats.currentPartialCASFailures.Inc()
		}
	}
	h := a.handles.makeHandle(s, slot)
	return h, s.buf(slot), nil
}

// FreeObj releases the slot named by h (spec.md §4.6). Returns
// ErrInvalidHandle or ErrStaleHandle without touching any memory; a stale
// handle's slab is still attributed the stat, matching the class that
// issued it.
func (a *Allocator) FreeObj(h Handle) error {
	s, err := a.handles.resolve(h)
	if err != nil {
		if s != nil {
			// Generation mismatch: the slab itself is still known, so the
			// stale-handle stat can be attributed to its class even though
			// the free is rejected.
			a.classes[s.class].stats.staleHandle.Inc()
		}
		return err
	}

	cs := a.classes[s.class]
	ok, retries := s.bm.free(int(h.Slot))
	cs.stats.bitmapFreeCASRetries.Add(uint64(retries))
	if !ok {
		cs.stats.invalidHandle.Inc()
		return ErrInvalidHandle
	}
	cs.stats.freeCount.Inc()

	left := s.freeCount.Add(1)
	debug.Assert(left <= int64(s.nslots), "free_count exceeded nslots")

	if s.state == stateFull {
		cs.lock()
		if s.state == stateFull {
			arena := cs.arenas[s.epochSlot.Load()]
			arena.removeFull(s)
			arena.pushPartial(s)
		}
		cs.unlock()
	}

	if rec, ok := a.epochs.byID(EpochID{slot: s.epochSlot.Load(), era: s.epochEra.Load()}); ok {
		rec.observeFree()
	}
	return nil
}

// StatsGlobal returns a point-in-time snapshot across every class plus a
// host memory-pressure reading (SPEC_FULL.md's memory-pressure supplement).
func (a *Allocator) StatsGlobal() GlobalStats {
	var g GlobalStats
	for i, cs := range a.classes {
		g.PerClass[i] = cs.stats.snapshot()
	}
	g.MemPressure = a.memPressure()
	return g
}

// StatsClass returns the snapshot for a single class index.
func (a *Allocator) StatsClass(class int) (ClassStats, error) {
	if class < 0 || class >= numClasses {
		return ClassStats{}, wrapf(ErrRequestTooLarge, "class index %d out of range", class)
	}
	return a.classes[class].stats.snapshot(), nil
}

// StatsEpoch returns a snapshot of one epoch incarnation's bookkeeping.
func (a *Allocator) StatsEpoch(id EpochID) (EpochStats, error) {
	rec, ok := a.epochs.byID(id)
	if !ok {
		return EpochStats{}, ErrEpochUnknown
	}
	return EpochStats{
		OpenSinceNS:      rec.openSince.Load(),
		DomainRefcount:   rec.domainRefcount.Load(),
		Label:            rec.Label(),
		Era:              rec.era.Load(),
		State:            rec.State().String(),
		RSSBeforeClose:   rec.rssBefore.Load(),
		RSSAfterClose:    rec.rssAfter.Load(),
		ReclaimableSlabs: int(rec.reclaimableSlabCount.Load()),
	}, nil
}

// Grow is the append-style growth helper from SPEC_FULL.md's supplement:
// it allocates a fresh object sized to at least minSize and copies cur's
// live bytes into it, freeing cur's old handle. Callers building a
// growable buffer on top of the fixed size classes use this instead of
// hand-rolling alloc+copy+free at each call site.
func (a *Allocator) Grow(cur Handle, curBuf []byte, minSize int64, epoch EpochID) (Handle, []byte, error) {
	h, buf, err := a.AllocObj(minSize, epoch)
	if err != nil {
		return Handle{}, nil, err
	}
	copy(buf, curBuf)
	if cur.Valid() {
		if ferr := a.FreeObj(cur); ferr != nil {
			glog.Warningf("slabmem: Grow: freeing previous handle: %v", ferr)
		}
	}
	return h, buf, nil
}

// Destroy tears the allocator down: stops housekeeping, unmaps every
// mapped slab (live, cached, and orphaned alike), and invalidates every
// outstanding handle. Safe to call more than once.
func (a *Allocator) Destroy() {
	a.destroyMtx.Lock()
	defer a.destroyMtx.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true

	if a.hkOwned && a.hk != nil {
		a.hk.Stop()
	}

	for _, cs := range a.classes {
		cs.lock()
		for _, arena := range cs.arenas {
			for s := arena.fullHead; s != nil; {
				next := s.next
				a.unmapAndForget(cs, s)
				s = next
			}
			for s := arena.partialHead; s != nil; {
				next := s.next
				a.unmapAndForget(cs, s)
				s = next
			}
			arena.reset()
		}
		for s := cs.cache.pop(); s != nil; s = cs.cache.pop() {
			a.unmapAndForget(cs, s)
		}
		for _, s := range cs.cache.drainOverflow(cs.cache.overflowLen()) {
			a.unmapAndForget(cs, s)
		}
		for _, s := range cs.orphaned {
			a.unmapAndForget(cs, s)
		}
		cs.orphaned = nil
		for _, s := range cs.discarded {
			a.unmapAndForget(cs, s)
		}
		cs.discarded = nil
		cs.unlock()
	}
}

func (a *Allocator) unmapAndForget(cs *classState, s *slab) {
	if err := cs.vm.unmapPage(s.reg); err != nil {
		glog.Errorf("slabmem: unmap failed during destroy: %v", err)
	}
	a.handles.unregister(s)
}

// memPressure maps host available memory to the coarse pressure levels
// returned by StatsGlobal, the way memsys.MMSA classifies free-ram
// thresholds for its reclamation policy.
func (a *Allocator) memPressure() int {
	m, err := sys.Mem()
	if err != nil {
		return MemPressureLow
	}
	if m.Total == 0 {
		return MemPressureLow
	}
	freeFrac := float64(m.ActualFree) / float64(m.Total)
	switch {
	case freeFrac < 0.05:
		return MemPressureOOM
	case freeFrac < 0.10:
		return MemPressureExtreme
	case freeFrac < 0.20:
		return MemPressureHigh
	case freeFrac < 0.35:
		return MemPressureModerate
	default:
		return MemPressureLow
	}
}
