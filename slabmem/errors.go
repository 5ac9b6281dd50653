/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"github.com/pkg/errors"
)

// Sentinel errors forming the taxonomy of spec.md §7. All are returned as
// typed result values; slabmem never uses panic/recover as control flow for
// caller-visible failures. errors.Is/errors.As are the comparison surface.
var (
	// ErrRequestTooLarge is returned when the requested size exceeds the
	// largest size class (768 bytes). The caller must delegate elsewhere;
	// slabmem never silently rounds beyond its classes.
	ErrRequestTooLarge = errors.New("slabmem: request size exceeds largest size class")

	// ErrEpochClosed is returned when alloc_obj targets an epoch that is
	// no longer ACTIVE. Never returned from free_obj.
	ErrEpochClosed = errors.New("slabmem: epoch is not active")

	// ErrEpochUnknown is returned when an epoch id does not correspond to
	// any live ring slot (never allocated, or already recycled past the
	// caller's era).
	ErrEpochUnknown = errors.New("slabmem: unknown epoch id")

	// ErrOutOfMemory is returned when map_page fails. Surfaced
	// immediately with no partial state.
	ErrOutOfMemory = errors.New("slabmem: out of memory")

	// ErrInvalidHandle is returned when a handle does not decode to a
	// known slab/slot; memory is never touched.
	ErrInvalidHandle = errors.New("slabmem: invalid handle")

	// ErrStaleHandle is returned when a handle's generation does not
	// match its slab's current generation; memory is never touched.
	ErrStaleHandle = errors.New("slabmem: stale handle")
)

// wrapf attaches call-site context to a sentinel error the way aistore
// wraps cmn conditions before they reach a caller or a log line.
func wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
