/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/blackwell-systems/temporal-slab-sub001/cmn"
)

// Defaults mirror spec.md §6's configuration table.
const (
	defaultCacheCapacity         = 32
	defaultSlabPageBytes         = 4 * cmn.KiB
	defaultEpochRingSize         = 16
	defaultOverflowHighWatermark = 64
	slabHeaderBytes              = 64 // header + scan hint + links, rounded up for alignment
)

// Config carries every tunable named in spec.md §6. Struct literal values
// win unless overridden by environment variables in resolve(), the same
// two-layer scheme memsys.MMSA.Init/env() use.
type Config struct {
	// Name identifies this allocator instance in logs and stats, the way
	// MMSA.Name does.
	Name string

	// CacheCapacity is the max EMPTY slabs retained per class (default 32).
	// A zero value in the struct literal means "use the default"; to
	// configure per-class capacities, set CacheCapacityPerClass.
	CacheCapacity int
	// CacheCapacityPerClass optionally overrides CacheCapacity for
	// individual classes, indexed the same way classSizes is.
	CacheCapacityPerClass [numClasses]int

	// SlabPageBytes is the slab page size; must be a power of two
	// (default 4096).
	SlabPageBytes int64

	// EpochRingSize is the number of epoch ring slots (default 16).
	EpochRingSize int

	// OverflowDrainHighWatermark is the overflow-list length at which
	// return_pages_to_os is invoked during a housekeeping sweep.
	OverflowDrainHighWatermark int

	// AdaptiveScanEnabled toggles randomized/sequential scan-mode
	// switching (spec.md §4.2). Defaults to true.
	AdaptiveScanEnabled *bool

	// HousekeepInterval controls how often the optional background
	// overflow-drain sweep runs. Zero disables housekeeping entirely;
	// the allocator remains fully spec-compliant, just without the
	// periodic sweep (see SPEC_FULL.md's "Background housekeeping"
	// supplement).
	HousekeepInterval time.Duration

	// VM overrides the virtual-memory shim; nil uses mmapVM. Tests
	// supply a fake to avoid real mmap churn.
	VM vm
}

// resolve fills in defaults, applies environment overrides, and validates
// the result. It never mutates the caller's Config in place for fields the
// caller set explicitly.
func (c Config) resolve() (rc Config, err error) {
	rc = c
	if rc.Name == "" {
		rc.Name = "slabmem"
	}
	if rc.CacheCapacity == 0 {
		rc.CacheCapacity = defaultCacheCapacity
	}
	if rc.SlabPageBytes == 0 {
		rc.SlabPageBytes = defaultSlabPageBytes
	}
	if rc.EpochRingSize == 0 {
		rc.EpochRingSize = defaultEpochRingSize
	}
	if rc.OverflowDrainHighWatermark == 0 {
		rc.OverflowDrainHighWatermark = defaultOverflowHighWatermark
	}
	if rc.AdaptiveScanEnabled == nil {
		enabled := true
		rc.AdaptiveScanEnabled = &enabled
	}
	if rc.VM == nil {
		rc.VM = newVM()
	}

	if err = rc.env(); err != nil {
		return rc, err
	}

	if rc.SlabPageBytes&(rc.SlabPageBytes-1) != 0 {
		return rc, fmt.Errorf("slab page bytes %d must be a power of two", rc.SlabPageBytes)
	}
	if rc.EpochRingSize < 2 {
		return rc, fmt.Errorf("epoch ring size %d must be >= 2", rc.EpochRingSize)
	}
	if rc.CacheCapacity < 0 {
		return rc, fmt.Errorf("cache capacity %d must be >= 0", rc.CacheCapacity)
	}
	return rc, nil
}

// env applies ESLAB_* environment overrides, taking precedence over both
// the struct literal and the built-in defaults — the same precedence order
// as AIS_MINMEM_FREE et al. in memsys.MMSA.env().
func (rc *Config) env() error {
	if a := os.Getenv("ESLAB_CACHE_CAPACITY"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("cannot parse ESLAB_CACHE_CAPACITY %q: %v", a, err)
		}
		rc.CacheCapacity = n
	}
	if a := os.Getenv("ESLAB_SLAB_PAGE_BYTES"); a != "" {
		n, err := cmn.S2B(a)
		if err != nil {
			return fmt.Errorf("cannot parse ESLAB_SLAB_PAGE_BYTES %q: %v", a, err)
		}
		rc.SlabPageBytes = n
	}
	if a := os.Getenv("ESLAB_EPOCH_RING_SIZE"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("cannot parse ESLAB_EPOCH_RING_SIZE %q: %v", a, err)
		}
		rc.EpochRingSize = n
	}
	if a := os.Getenv("ESLAB_OVERFLOW_HIGH_WATERMARK"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("cannot parse ESLAB_OVERFLOW_HIGH_WATERMARK %q: %v", a, err)
		}
		rc.OverflowDrainHighWatermark = n
	}
	if a := os.Getenv("ESLAB_ADAPTIVE_SCAN"); a != "" {
		enabled := a != "0" && a != "false"
		rc.AdaptiveScanEnabled = &enabled
	}
	return nil
}

// cacheCapacityFor returns the configured empty-slab cache capacity for a
// given class, honoring a per-class override when present.
func (rc Config) cacheCapacityFor(class int) int {
	if rc.CacheCapacityPerClass[class] > 0 {
		return rc.CacheCapacityPerClass[class]
	}
	return rc.CacheCapacity
}
