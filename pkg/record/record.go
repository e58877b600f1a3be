// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package record implements the ring-buffered test case log (spec.md §4.6):
// three fixed-capacity circular buffers for executed, failed, and crashed
// cases, JSON persistence, and immediate crash-file + mail dispatch.
//
// Grounded on original_source/fuzzer/src/report.rs (the same three
// buffers/capacities/title format) and the teacher's sync/atomic
// running-counter idiom used throughout pkg/fuzzer/fuzzer.go.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/target"
)

const (
	normalCapacity = 65536
	failedCapacity = 65536
	crashCapacity  = 1024
)

// ExecutedCase is a program that ran to completion and produced coverage.
type ExecutedCase struct {
	ID             uint64    `json:"id"`
	Title          string    `json:"title"`
	Time           time.Time `json:"time"`
	Script         string    `json:"prog"`
	BlockNum       []int     `json:"block_num"`
	BranchNum      []int     `json:"branch_num"`
	NewBranchCount int       `json:"new_branch_count"`
	NewBlockCount  int       `json:"new_block_count"`
}

// FailedCase is a program-level failure (spec.md §4.4/§4.6).
type FailedCase struct {
	ID     uint64    `json:"id"`
	Title  string    `json:"title"`
	Time   time.Time `json:"time"`
	Script string    `json:"prog"`
	Reason string    `json:"reason"`
}

// CrashedCase is a discovered kernel crash, optionally confirmed
// reproducible.
type CrashedCase struct {
	ID     uint64    `json:"id"`
	Title  string    `json:"title"`
	Time   time.Time `json:"time"`
	Script string    `json:"prog"`
	Repro  bool      `json:"repro"`
	Crash  string    `json:"crash"`
}

// Mailer is the minimal contract Record needs to dispatch a crash
// notification; internal/mail.Sender implements it.
type Mailer interface {
	Send(subject, body string) error
}

// ring is a fixed-capacity circular buffer that overwrites the oldest
// entry once full, keeping insertion order for Items().
type ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	cap   int
	next  int
	count int // number of valid entries, saturates at cap
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity), cap: capacity}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// items returns entries in ascending insertion order.
func (r *ring[T]) items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.count)
	if r.count < r.cap {
		out = append(out, r.buf[:r.count]...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Record is the process-wide shared test-case log.
type Record struct {
	nextID uint64 // atomic, pre-increment counter for Title's id

	normal ring[ExecutedCase]
	failed ring[FailedCase]
	crash  ring[CrashedCase]

	normalNum  int64 // atomic running total, independent of ring eviction
	failedNum  int64
	crashedNum int64

	crashDir string
	mailer   Mailer
}

// New returns an empty Record. crashDir is where individual crash files
// are written immediately upon insertion (spec.md: "./crashes/{title}").
// mailer may be nil, in which case crash notification is skipped.
func New(crashDir string, mailer Mailer) *Record {
	return &Record{
		normal:   *newRing[ExecutedCase](normalCapacity),
		failed:   *newRing[FailedCase](failedCapacity),
		crash:    *newRing[CrashedCase](crashCapacity),
		crashDir: crashDir,
		mailer:   mailer,
	}
}

// NextID allocates the next monotonically increasing id, shared across
// all three case kinds (spec.md §4.6 "id is a monotonically increasing
// counter across the whole process").
func (r *Record) NextID() uint64 {
	return atomic.AddUint64(&r.nextID, 1) - 1
}

// Title computes "{group_name}_{last_call_name}_{id}", a pure function
// of (target, prog, id) per spec.md §8.
func Title(t *target.Target, p *target.Prog, id uint64) string {
	groupName := t.GroupNameOf(p.Gid)
	lastCall := "noop"
	if n := p.Len(); n > 0 {
		lastCall = t.FnOf(p.Gid, p.Calls[n-1].FID)
	}
	return fmt.Sprintf("%s_%s_%d", groupName, lastCall, id)
}

// InsertExecuted records a successful run.
func (r *Record) InsertExecuted(c ExecutedCase) {
	r.normal.push(c)
	atomic.AddInt64(&r.normalNum, 1)
}

// InsertFailed records a program-level failure.
func (r *Record) InsertFailed(c FailedCase) {
	r.failed.push(c)
	atomic.AddInt64(&r.failedNum, 1)
}

// InsertCrash records a crash, immediately persists it to
// ./crashes/{title}, and e-mails the report (subject
// "Healer-Reporter: CRASH REPORT"), per spec.md §4.6.
func (r *Record) InsertCrash(c CrashedCase) {
	r.crash.push(c)
	atomic.AddInt64(&r.crashedNum, 1)

	if err := r.persistCrashFile(c); err != nil {
		log.Warnf("record: failed to persist crash file for %s: %v", c.Title, err)
	}
	if r.mailer != nil {
		body := fmt.Sprintf("title: %s\nrepro: %v\ntime: %s\n\n%s\n\nprog:\n%s",
			c.Title, c.Repro, c.Time.Format(time.RFC3339), c.Crash, c.Script)
		if err := r.mailer.Send("Healer-Reporter: CRASH REPORT", body); err != nil {
			log.Warnf("record: failed to mail crash report for %s: %v", c.Title, err)
		}
	}
}

func (r *Record) persistCrashFile(c CrashedCase) error {
	if r.crashDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.crashDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.crashDir, c.Title), data, 0o644)
}

// Len returns (normal_num, failed_num, crashed_num): the monotone running
// totals, not the current ring occupancy.
func (r *Record) Len() (int, int, int) {
	return int(atomic.LoadInt64(&r.normalNum)), int(atomic.LoadInt64(&r.failedNum)), int(atomic.LoadInt64(&r.crashedNum))
}

// Persist writes ./normal_case.json and ./failed_case.json, pretty
// printed, in ascending insertion order (spec.md §4.6/§6.4).
func (r *Record) Persist(dir string) error {
	if err := writeJSON(filepath.Join(dir, "normal_case.json"), r.normal.items()); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "failed_case.json"), r.failed.items())
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
