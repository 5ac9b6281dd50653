/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import "go.uber.org/atomic"

// classStats holds the per-class counters of spec.md §4.7. All fields are
// relaxed atomics: they contribute no ordering constraints to anything and
// are read only by stats_class/stats_global, never by the fast path logic
// itself (only written there).
type classStats struct {
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
	slowPathHits   atomic.Uint64
	slowPathCacheMiss   atomic.Uint64
	slowPathEpochClosed atomic.Uint64
	newSlabCount        atomic.Uint64

	bitmapAllocAttempts   atomic.Uint64
	bitmapAllocCASRetries atomic.Uint64
	bitmapFreeCASRetries  atomic.Uint64

	currentPartialCASAttempts atomic.Uint64
	currentPartialCASFailures atomic.Uint64

	lockAcquisitions atomic.Uint64
	lockFastAcquire  atomic.Uint64
	lockContended    atomic.Uint64

	emptySlabRecycled   atomic.Uint64
	emptySlabOverflowed atomic.Uint64
	madviseCalls        atomic.Uint64
	madviseBytes        atomic.Uint64
	madviseFailures     atomic.Uint64

	zombieRepairCount atomic.Uint64
	invalidHandle     atomic.Uint64
	staleHandle       atomic.Uint64
}

func newClassStats() *classStats { return &classStats{} }

// ClassStats is an immutable snapshot returned by stats_class.
type ClassStats struct {
	AllocCount             uint64
	FreeCount              uint64
	SlowPathHits           uint64
	SlowPathCacheMiss      uint64
	SlowPathEpochClosed    uint64
	NewSlabCount           uint64
	BitmapAllocAttempts    uint64
	BitmapAllocCASRetries  uint64
	BitmapFreeCASRetries   uint64
	CurrentPartialCASAttempts uint64
	CurrentPartialCASFailures uint64
	LockAcquisitions       uint64
	LockFastAcquire        uint64
	LockContended          uint64
	EmptySlabRecycled      uint64
	EmptySlabOverflowed    uint64
	MadviseCalls           uint64
	MadviseBytes           uint64
	MadviseFailures        uint64
	ZombieRepairCount      uint64
	InvalidHandle          uint64
	StaleHandle            uint64
	CacheHitRate           float64
}

func (cs *classStats) snapshot() ClassStats {
	s := ClassStats{
		AllocCount:                cs.allocCount.Load(),
		FreeCount:                 cs.freeCount.Load(),
		SlowPathHits:              cs.slowPathHits.Load(),
		SlowPathCacheMiss:         cs.slowPathCacheMiss.Load(),
		SlowPathEpochClosed:       cs.slowPathEpochClosed.Load(),
		NewSlabCount:              cs.newSlabCount.Load(),
		BitmapAllocAttempts:       cs.bitmapAllocAttempts.Load(),
		BitmapAllocCASRetries:     cs.bitmapAllocCASRetries.Load(),
		BitmapFreeCASRetries:      cs.bitmapFreeCASRetries.Load(),
		CurrentPartialCASAttempts: cs.currentPartialCASAttempts.Load(),
		CurrentPartialCASFailures: cs.currentPartialCASFailures.Load(),
		LockAcquisitions:          cs.lockAcquisitions.Load(),
		LockFastAcquire:           cs.lockFastAcquire.Load(),
		LockContended:             cs.lockContended.Load(),
		EmptySlabRecycled:         cs.emptySlabRecycled.Load(),
		EmptySlabOverflowed:       cs.emptySlabOverflowed.Load(),
		MadviseCalls:              cs.madviseCalls.Load(),
		MadviseBytes:              cs.madviseBytes.Load(),
		MadviseFailures:           cs.madviseFailures.Load(),
		ZombieRepairCount:         cs.zombieRepairCount.Load(),
		InvalidHandle:             cs.invalidHandle.Load(),
		StaleHandle:               cs.staleHandle.Load(),
	}
	// cache_hit_rate = 1 - (new_slab_count / slow_path_hits), spec.md §4.5.
	if s.SlowPathHits > 0 {
		s.CacheHitRate = 1 - float64(s.NewSlabCount)/float64(s.SlowPathHits)
	}
	return s
}

// EpochStats is an immutable snapshot returned by stats_epoch (spec.md §4.7).
type EpochStats struct {
	OpenSinceNS      int64
	DomainRefcount   int64
	Label            string
	Era              uint64
	State            string
	RSSBeforeClose   int64
	RSSAfterClose    int64
	ReclaimableSlabs int
}

// GlobalStats aggregates counters across every size class plus a
// host-memory-pressure reading (SPEC_FULL.md's memory-pressure supplement).
type GlobalStats struct {
	PerClass    [numClasses]ClassStats
	MemPressure int
}

const (
	MemPressureLow = iota
	MemPressureModerate
	MemPressureHigh
	MemPressureExtreme
	MemPressureOOM
)
