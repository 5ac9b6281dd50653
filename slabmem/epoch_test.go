/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpochTableAdvanceAndByID(t *testing.T) {
	et := newEpochTable(4)
	rec, err := et.advance("alpha")
	require.NoError(t, err)
	require.Equal(t, epochActive, rec.State())

	got, ok := et.byID(rec.id())
	require.True(t, ok)
	require.Same(t, rec, got)
}

func TestEpochTableExhaustionWhenNoSlotsFree(t *testing.T) {
	et := newEpochTable(2)
	_, err := et.advance("a")
	require.NoError(t, err)
	_, err = et.advance("b")
	require.NoError(t, err)

	_, err = et.advance("c")
	require.Error(t, err)
}

// TestEpochTableWraparoundEraUniqueness exercises spec.md §8's boundary:
// "after epoch_ring_size advances, (epoch_id, era) still uniquely
// identifies incarnations" — even when the same ring slot is reused
// repeatedly.
func TestEpochTableWraparoundEraUniqueness(t *testing.T) {
	et := newEpochTable(2)
	seen := map[EpochID]bool{}

	for i := 0; i < 9; i++ {
		rec, err := et.advance("wrap")
		require.NoError(t, err)
		id := rec.id()
		require.False(t, seen[id], "duplicate epoch id across ring wraparound: %+v", id)
		seen[id] = true

		rec.beginClosing()
		rec.waitDrained() // no outstanding allocations were ever recorded
		rec.free()
	}
}

func TestEpochTableByIDRejectsStaleEra(t *testing.T) {
	et := newEpochTable(2)
	rec, err := et.advance("first")
	require.NoError(t, err)
	staleID := rec.id()

	rec.beginClosing()
	rec.waitDrained()
	rec.free()

	_, err = et.advance("second") // the round-robin cursor picks the other ring slot
	require.NoError(t, err)
	third, err := et.advance("third") // wraps around: reuses the first ring slot with a new era
	require.NoError(t, err)
	require.Equal(t, staleID.slot, third.slot)

	_, ok := et.byID(staleID)
	require.False(t, ok, "an id from a prior incarnation of this ring slot must not resolve")
}

func TestEpochRecordWaitDrainedBlocksUntilOutstandingReachesZero(t *testing.T) {
	rec := newEpochRecord(0)
	rec.state.Store(int32(epochActive))
	rec.observeAlloc()
	rec.observeAlloc()
	rec.beginClosing()

	done := make(chan struct{})
	go func() {
		rec.waitDrained()
		close(done)
	}()

	rec.observeFree()
	select {
	case <-done:
		t.Fatal("waitDrained returned with one allocation still outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	rec.observeFree()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitDrained never returned after outstanding reached zero")
	}
	require.Equal(t, epochClosed, rec.State())
}

func TestEpochRecordObserveFreeBelowZeroPanics(t *testing.T) {
	rec := newEpochRecord(0)
	require.Panics(t, func() { rec.observeFree() })
}
