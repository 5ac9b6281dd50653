/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import "sync/atomic"

// fakeVM is an in-process stand-in for mmapVM, the way a test double
// replaces a real backend in the rest of the retrieved pack. It avoids
// real mmap/munmap syscalls entirely so behavioral specs run on any host,
// regardless of address-space limits, and so RSS accounting in tests
// tracks list membership rather than actual kernel page residency.
type fakeVM struct {
	mapped   int64
	unmapped int64
	madvised int64
	failNext int32 // when >0, the next mapPage call fails and decrements this
}

func (f *fakeVM) mapPage(length int) (region, error) {
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return region{}, ErrOutOfMemory
	}
	atomic.AddInt64(&f.mapped, 1)
	return region{mem: make([]byte, length)}, nil
}

func (f *fakeVM) unmapPage(region) error {
	atomic.AddInt64(&f.unmapped, 1)
	return nil
}

func (f *fakeVM) returnPagesToOS(region) error {
	atomic.AddInt64(&f.madvised, 1)
	return nil
}
