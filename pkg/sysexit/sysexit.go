// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package sysexit centralizes the BSD sysexits(3) codes this repository's
// fatal paths terminate with, and the single helper that logs and exits.
package sysexit

import "os"

// Exit codes from sysexits.h, named exactly as spec.md §9 requires.
const (
	OK       = 0
	Config   = 78 // EX_CONFIG: invalid or missing configuration.
	OSErr    = 71 // EX_OSERR: a host OS call failed unrecoverably.
	IOErr    = 74 // EX_IOERR: filesystem/network I/O failure.
	DataErr  = 65 // EX_DATAERR: malformed input data (e.g. fots file).
	Software = 70 // EX_SOFTWARE: internal logic/serialization bug.
	TempFail = 75 // EX_TEMPFAIL: transient failure, e.g. no free port.
)

// exitFunc is swapped out in tests so Abort doesn't actually kill the test
// binary.
var exitFunc = os.Exit

// Abort logs format/args through logf (typically pkg/log.Logf at level 0)
// and terminates the process with code. Every "process aborts" path named
// in spec.md §7/§9 routes through this single function so the exit code is
// never duplicated ad hoc at the call site.
func Abort(logf func(v int, format string, args ...interface{}), code int, format string, args ...interface{}) {
	logf(0, format, args...)
	exitFunc(code)
}
