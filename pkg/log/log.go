// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log is a small leveled logger, grounded on the teacher's own
// pkg/log calling convention (Logf(level, format, args...), Fatalf). It is
// not a third-party logging framework: every component in this repository
// logs through it rather than calling the standard library's log package
// or fmt.Println directly.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	mu          sync.Mutex
	level       atomic.Int32
	out         io.Writer = os.Stderr
	extraSink   io.Writer
	extraSinkMu sync.Mutex
)

// SetLevel sets the process-wide verbosity gate; Logf calls at a level
// above it are dropped. Mirrors the teacher's `-v` flag.
func SetLevel(v int) {
	level.Store(int32(v))
}

// SetOutput redirects where formatted lines are written; used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetFileSink additionally mirrors every line to w (the rolling fuzzer.log
// file), independent of the console sink set via SetOutput.
func SetFileSink(w io.Writer) {
	extraSinkMu.Lock()
	defer extraSinkMu.Unlock()
	extraSink = w
}

// Logf logs format/args if level <= the current verbosity gate.
func Logf(v int, format string, args ...interface{}) {
	if int32(v) > level.Load() {
		return
	}
	write(format, args...)
}

// Warnf always logs, regardless of verbosity; used for crash/failure paths
// that must never be silenced by -v.
func Warnf(format string, args ...interface{}) {
	write(format, args...)
}

// Fatalf logs unconditionally. Unlike the standard library's log.Fatalf it
// does NOT call os.Exit itself: callers that need a specific sysexits(3)
// code route through pkg/sysexit.Abort(log.Logf, code, ...), which logs and
// exits in one place. Fatalf exists for symmetry with the teacher's own
// calling convention and for call sites that only need to log.
func Fatalf(format string, args ...interface{}) {
	write("FATAL: "+format, args...)
}

func write(format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	mu.Lock()
	io.WriteString(out, line)
	mu.Unlock()

	extraSinkMu.Lock()
	sink := extraSink
	extraSinkMu.Unlock()
	if sink != nil {
		io.WriteString(sink, line)
	}
}
