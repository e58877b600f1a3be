// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package executor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/healer-project/healer/pkg/guest"
	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/sysexit"
	"github.com/healer-project/healer/pkg/target"
)

// State is one of the §4.4 executor driver states.
type State int

const (
	Uninit State = iota
	Booting
	Listening
	Connected
	Executing
	Idle
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Booting:
		return "Booting"
	case Listening:
		return "Listening"
	case Connected:
		return "Connected"
	case Executing:
		return "Executing"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

const ioTimeout = 20 * time.Second
const acceptTimeout = 5 * time.Second

// Config configures one Executor.
type Config struct {
	FotsBin      string // host path to the target description to copy into the guest
	InGuestFots  string // in-guest path the agent is told to load
	HostIP       string
	Concurrency  bool
	MemleakCheck bool
	AgentPath    string // in-guest path to the agent binary, after Copy
	HostAgentBin string // host path to the agent binary to copy in
}

// Executor is the stateful proxy owning one Guest and one TCP connection
// to its in-guest agent (spec.md §4.4). Never shared between workers.
type Executor struct {
	cfg   Config
	guest *guest.Guest
	state State

	conn      net.Conn
	agentCmd  *exec.Cmd
	ln        net.Listener
	cancelCtx context.CancelFunc
}

// New constructs an Executor bound to g, not yet started.
func New(cfg Config, g *guest.Guest) *Executor {
	return &Executor{cfg: cfg, guest: g, state: Uninit}
}

// State returns the executor's current state, for stats/logging.
func (e *Executor) State() State { return e.state }

// Start drops any previous exec_handle, (re)boots the guest, and brings
// the agent connection up (spec.md §4.4 "start()").
func (e *Executor) Start() {
	e.teardownAgent()
	e.state = Booting
	e.guest.Boot()
	e.startExecuter()
}

// startExecuter implements the six numbered steps of spec.md §4.4
// "start_executer()".
func (e *Executor) startExecuter() {
	inGuestFots, err := e.guest.Copy(e.cfg.FotsBin)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.OSErr, "executor: copy fots into guest: %v", err)
		return
	}
	e.cfg.InGuestFots = inGuestFots

	ln, port, err := listenFreePort(e.cfg.HostIP)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.TempFail, "executor: no free local port: %v", err)
		return
	}
	e.ln = ln
	e.state = Listening

	args := []string{"-t", e.cfg.InGuestFots, "-a", fmt.Sprintf("%s:%d", e.cfg.HostIP, port)}
	if e.cfg.MemleakCheck {
		args = append(args, "-m")
	}
	if e.cfg.Concurrency {
		args = append(args, "-c")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelCtx = cancel
	agentInGuest, err := e.guest.Copy(e.cfg.HostAgentBin)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.OSErr, "executor: copy agent into guest: %v", err)
		return
	}
	cmd, err := e.guest.RunCmd(ctx, agentInGuest, args...)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.OSErr, "executor: spawn agent: %v", err)
		return
	}
	e.agentCmd = cmd

	conn, err := acceptOne(ln, acceptTimeout)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.IOErr, "executor: accept agent connection: %v", err)
		return
	}
	e.conn = conn
	e.state = Connected
}

func listenFreePort(hostIP string) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", hostIP+":0")
	if err != nil {
		return nil, 0, err
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, 0, err
	}
	return ln, port, nil
}

func acceptOne(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		r.conn.SetReadDeadline(time.Time{})
		r.conn.SetWriteDeadline(time.Time{})
		return r.conn, nil
	case <-time.After(timeout):
		ln.Close()
		return nil, fmt.Errorf("timed out waiting for agent connection")
	}
}

func (e *Executor) teardownAgent() {
	if e.cancelCtx != nil {
		e.cancelCtx()
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.ln != nil {
		e.ln.Close()
		e.ln = nil
	}
	e.agentCmd = nil
}

// Exec sends prog and receives its result, implementing the full error
// classification of spec.md §4.4 "exec(prog) → Result<ExecResult, Crash>".
func (e *Executor) Exec(prog *target.Prog) (ExecResult, *guest.Crash) {
	e.state = Executing
	e.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if werr := SendProg(e.conn, prog); werr != nil {
		return e.handleSendErr(werr)
	}

	e.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	res, werr := RecvResult(e.conn)
	if werr == nil {
		e.guest.Clear()
		e.state = Idle
		if e.cfg.MemleakCheck && res.Failed && strings.Contains(res.Reason, "CRASH-MEMLEAK") {
			return ExecResult{}, &guest.Crash{Inner: res.Reason}
		}
		return res, nil
	}
	return e.handleRecvErr(werr)
}

func (e *Executor) handleSendErr(werr *WireError) (ExecResult, *guest.Crash) {
	if werr.Kind == ErrSerialize {
		sysexit.Abort(log.Logf, sysexit.Software, "executor: serialize prog: %v", werr.Underlying)
		return ExecResult{}, nil
	}
	if werr.WouldBlock {
		log.Warnf("executor: prog send would block: %v", werr.Underlying)
		e.Start()
		return ExecResult{Failed: true, Reason: "Prog send blocked"}, nil
	}
	sysexit.Abort(log.Logf, sysexit.IOErr, "executor: send prog: %v", werr.Underlying)
	return ExecResult{}, nil
}

func (e *Executor) handleRecvErr(werr *WireError) (ExecResult, *guest.Crash) {
	if werr.Kind == ErrSerialize {
		sysexit.Abort(log.Logf, sysexit.Software, "executor: deserialize result: %v", werr.Underlying)
		return ExecResult{}, nil
	}
	if werr.WouldBlock {
		// Bug-compatible with the observed source: the surfaced reason is
		// "Prog send blocked" even though this is a receive-side timeout.
		log.Warnf("executor: result recv would block: %v", werr.Underlying)
		e.Start()
		return ExecResult{Failed: true, Reason: "Prog send blocked"}, nil
	}
	if e.guest.IsAlive() {
		log.Warnf("executor: agent I/O error, guest alive, relaunching agent: %v", werr.Underlying)
		if e.agentCmd != nil {
			e.agentCmd.Wait()
		}
		e.startExecuter()
		return ExecResult{Failed: true, Reason: "Executor crashed"}, nil
	}
	e.state = Booting
	return ExecResult{}, ptr(e.guest.CollectCrash())
}

func ptr(c guest.Crash) *guest.Crash { return &c }
