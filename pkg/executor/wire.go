// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package executor implements the per-worker executor driver (spec.md
// §4.4): the state machine that owns one Guest and one TCP connection to
// the in-guest agent, and the framed wire protocol (§6.2) it speaks.
package executor

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/healer-project/healer/pkg/target"
)

// ErrKind classifies a wire-level failure the way spec.md §4.4/§6.2
// requires: "errors classified Io | Serialize".
type ErrKind int

const (
	// ErrIO covers any network error, including WouldBlock/timeout.
	ErrIO ErrKind = iota
	// ErrSerialize covers a gob encode/decode failure.
	ErrSerialize
)

// WireError wraps an underlying error with its classification and
// whether it specifically represents a would-block/timeout condition
// (distinct from other I/O errors in the §4.4 state machine).
type WireError struct {
	Kind       ErrKind
	WouldBlock bool
	Underlying error
}

func (e *WireError) Error() string {
	return fmt.Sprintf("wire: %v", e.Underlying)
}

func (e *WireError) Unwrap() error { return e.Underlying }

func classifyNetErr(err error) *WireError {
	var ne net.Error
	wouldBlock := errors.As(err, &ne) && ne.Timeout()
	return &WireError{Kind: ErrIO, WouldBlock: wouldBlock, Underlying: err}
}

// SendProg writes prog to conn as a 4-byte little-endian length prefix
// followed by its gob encoding (spec.md §6.2: "length-prefixed binary
// serialization of Prog").
func SendProg(conn net.Conn, prog *target.Prog) *WireError {
	data, err := prog.Serialize()
	if err != nil {
		return &WireError{Kind: ErrSerialize, Underlying: err}
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return classifyNetErr(err)
	}
	if _, err := conn.Write(data); err != nil {
		return classifyNetErr(err)
	}
	return nil
}

// ExecResult is the in-guest agent's report for one program: either
// per-call raw block traces, or a program-level failure reason
// (spec.md §3).
type ExecResult struct {
	RawBlocks [][]uint64
	Failed    bool
	Reason    string
}

// RecvResult reads one length-prefixed, gob-encoded ExecResult from conn
// (spec.md §6.2: "recv_result(socket) → ExecResult").
func RecvResult(conn net.Conn) (ExecResult, *WireError) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return ExecResult{}, classifyNetErr(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return ExecResult{}, classifyNetErr(err)
	}
	var res ExecResult
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&res); err != nil {
		return ExecResult{}, &WireError{Kind: ErrSerialize, Underlying: err}
	}
	return res, nil
}
