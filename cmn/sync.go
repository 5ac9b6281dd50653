// Package cmn provides common low-level types and utilities shared by every
// package in this module, the way aistore's own `cmn` backs its subsystems.
/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package cmn

import "sync"

// ShardedMapCount is the number of independent sync.Map shards backing a
// ShardedMap. Sharding spreads the single global mutex sync.Map hides
// internally across many locks, the same trick aistore's MultiSyncMap plays
// for its own high-fanout lookup tables.
const ShardedMapCount = 0x40

type (
	// StopCh is a specialized channel for broadcasting a single stop signal
	// to any number of listeners exactly once.
	StopCh struct {
		once sync.Once
		ch   chan struct{}
	}

	// ShardedMap is a fixed set of sync.Map shards indexed by hash, used
	// where a single sync.Map would serialize unrelated keys behind one
	// internal lock under high fanout (the handle registry, notably).
	ShardedMap struct {
		M [ShardedMapCount]sync.Map
	}
)

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

func (sc *StopCh) Listen() <-chan struct{} {
	return sc.ch
}

func (sc *StopCh) Close() {
	sc.once.Do(func() {
		close(sc.ch)
	})
}

func (msm *ShardedMap) Get(idx int) *sync.Map {
	Assert(idx >= 0 && idx < ShardedMapCount)
	return &msm.M[idx]
}

func (msm *ShardedMap) GetByHash(hash uint32) *sync.Map {
	return &msm.M[hash%ShardedMapCount]
}
