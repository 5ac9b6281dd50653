// Package hk provides a single shared background ticker that runs named
// callbacks at independent intervals, the way aistore's hk package backs
// `MMSA.garbageCollect` and the LRU/dSort periodic sweeps. Nothing on any
// allocator fast path depends on hk running; an Allocator built with
// housekeeping disabled is fully spec-compliant, just without the optional
// periodic overflow drain.
/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package hk

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/blackwell-systems/temporal-slab-sub001/cmn"
)

type request struct {
	name     string
	f        func()
	interval time.Duration
	due      time.Time
}

// Housekeeper runs registered callbacks on their own interval from a single
// goroutine, avoiding a timer per registrant.
type Housekeeper struct {
	mtx     sync.Mutex
	reqs    map[string]*request
	stop    *cmn.StopCh
	minIval time.Duration
}

// DefaultHK is the process-wide housekeeper; callers that don't need
// isolated intervals share it, mirroring hk.DefaultHK in the teacher.
var DefaultHK = New(time.Second)

// Reg registers f on DefaultHK, the package-level call-site shape used
// throughout the teacher (hk.Reg(name, f, interval)) for registrants that
// don't need an isolated ticker.
func Reg(name string, f func(), interval time.Duration) { DefaultHK.Reg(name, f, interval) }

// Unreg removes name from DefaultHK.
func Unreg(name string) { DefaultHK.Unreg(name) }

func New(tick time.Duration) *Housekeeper {
	return &Housekeeper{
		reqs:    make(map[string]*request),
		stop:    cmn.NewStopCh(),
		minIval: tick,
	}
}

// Reg registers (or replaces) a named callback to run every interval.
func (h *Housekeeper) Reg(name string, f func(), interval time.Duration) {
	h.mtx.Lock()
	h.reqs[name] = &request{name: name, f: f, interval: interval, due: time.Now().Add(interval)}
	h.mtx.Unlock()
}

// Unreg removes a previously registered callback; a no-op if absent.
func (h *Housekeeper) Unreg(name string) {
	h.mtx.Lock()
	delete(h.reqs, name)
	h.mtx.Unlock()
}

// Run drives the ticker loop until Stop is called. Intended to be started
// once, in its own goroutine, by the process that owns the Housekeeper.
func (h *Housekeeper) Run() {
	t := time.NewTicker(h.minIval)
	defer t.Stop()
	for {
		select {
		case <-h.stop.Listen():
			return
		case now := <-t.C:
			h.fire(now)
		}
	}
}

func (h *Housekeeper) fire(now time.Time) {
	h.mtx.Lock()
	due := make([]*request, 0, len(h.reqs))
	for _, r := range h.reqs {
		if !now.Before(r.due) {
			due = append(due, r)
			r.due = now.Add(r.interval)
		}
	}
	h.mtx.Unlock()

	for _, r := range due {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					glog.Errorf("hk: callback %q panicked: %v", r.name, rec)
				}
			}()
			r.f()
		}()
	}
}

// Stop terminates Run's loop. Safe to call multiple times.
func (h *Housekeeper) Stop() {
	h.stop.Close()
}
