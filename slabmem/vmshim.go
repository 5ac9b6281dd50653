/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// region is a single mapped range of host memory, page-aligned, carved by
// the allocator into one slab's header, slots, and bitmap.
type region struct {
	mem []byte
}

// vm is the only polymorphic seam in slabmem (spec.md §9): every other
// type is monomorphic per size class. Swappable for tests (an in-process
// fake avoids real mmap churn in unit tests) and for non-Linux hosts.
type vm interface {
	mapPage(len int) (region, error)
	unmapPage(region) error
	returnPagesToOS(region) error
}

// mmapVM implements vm with anonymous, private mmap backed pages and
// MADV_DONTNEED for page return — the same operation aistore's memsys
// header comment discusses at length (GODEBUG=madvdontneed=1): advise the
// kernel the range's contents may be discarded without unmapping it, so a
// recycled-but-cached slab's pages can be reclaimed by the OS under memory
// pressure without the allocator giving up the virtual address range.
type mmapVM struct{}

func newVM() vm { return mmapVM{} }

func (mmapVM) mapPage(length int) (region, error) {
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return region{}, errors.Wrapf(ErrOutOfMemory, "mmap %d bytes: %v", length, err)
	}
	return region{mem: b}, nil
}

func (mmapVM) unmapPage(r region) error {
	if r.mem == nil {
		return nil
	}
	return unix.Munmap(r.mem)
}

func (mmapVM) returnPagesToOS(r region) error {
	if len(r.mem) == 0 {
		return nil
	}
	return unix.Madvise(r.mem, unix.MADV_DONTNEED)
}

// basePtr returns the address of the region's first byte, recorded as
// slab.base. The handle registry keys slabs by their sequential id, not by
// this address, and it is never dereferenced as a Go pointer.
func (r region) basePtr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}
