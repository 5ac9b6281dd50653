// Package debug gates expensive assertions and verbose diagnostics behind a
// single switch, the way aistore's cmn/debug does for its own hot paths.
/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Enabled is true when ESLAB_DEBUG is set in the environment. Assert,
// Assertf and Infof test it first, so an unconditional call from fast-path
// code costs one load of Enabled when debugging is off.
var Enabled = os.Getenv("ESLAB_DEBUG") != ""

// Assert panics with msg when cond is false and debugging is enabled; a
// no-op otherwise. Used for invariants too expensive to check on every
// fast-path call (e.g. popcount(bitmap) == free_count) but cheap enough to
// verify continuously under test and during incident triage.
func Assert(cond bool, msg string) {
	if Enabled && !cond {
		panic("debug assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...interface{}) {
	if Enabled && !cond {
		panic("debug assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// Infof logs at glog.V(4); only evaluated when debugging is enabled.
func Infof(format string, args ...interface{}) {
	if Enabled {
		glog.V(4).Infof(format, args...)
	}
}
