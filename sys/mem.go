// Package sys wraps host memory statistics for the allocator's
// memory-pressure heuristics, the role aistore's internal sys.Mem() plays
// for MMSA.Init/MemPressure. Nothing on the alloc/free fast path calls into
// this package; it is read only by the allocator's memory-pressure reading
// in StatsGlobal. The overflow-drain sweep does not consult it.
/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package sys

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// MemStat is the subset of host memory info the allocator's
// memory-pressure reading consults.
type MemStat struct {
	Total      uint64
	ActualFree uint64
	SwapUsed   uint64
}

// Mem reads current host memory statistics. Errors are possible on
// unsupported platforms; callers treat a failure as "no pressure signal"
// rather than as fatal, since the allocator must never fail an alloc/free
// because a stats read failed.
func Mem() (MemStat, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemStat{}, err
	}
	sw, err := mem.SwapMemory()
	var swapUsed uint64
	if err == nil {
		swapUsed = sw.Used
	}
	return MemStat{
		Total:      vm.Total,
		ActualFree: vm.Available,
		SwapUsed:   swapUsed,
	}, nil
}
