// Package slabmem provides a concurrent, epoch-partitioned slab allocator
// for small fixed-range objects (64-768 bytes) under sustained high-churn
// workloads.
//
// Unlike a general-purpose allocator, slabmem trades per-object coalescing
// for phase-aligned bulk reclamation: callers tag every allocation with a
// caller-declared epoch id, and an entire epoch's slabs are swept back to
// the empty-slab cache in one pass at epoch_close, never piecemeal at free
// time. That buys three properties general allocators don't jointly give
// you: bounded resident set size under churn, a short branch-light
// lock-free fast path with no hidden reclamation work, and structural
// observability — every byte resident is attributable to the epoch that
// requested it.
//
// The three subsystems that matter are the slab engine (bitmap-based slot
// allocation with a lock-free fast path), the epoch lifecycle manager
// (ACTIVE/CLOSING/CLOSED/FREE state machine with refcounted domains), and
// the deferred reclamation engine (FULL-only recycling, run only from
// epoch_close's sweep). Everything else — the size-class registry, the
// handle registry, the virtual-memory shim — exists to support those three.
//
// slabmem never services a request outside its fixed size classes, never
// gives threads private heaps, and never attempts reachability analysis:
// liveness is declared by the caller via epochs, not inferred.
/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem
