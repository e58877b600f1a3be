// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healer-project/healer/pkg/corpus"
	"github.com/healer-project/healer/pkg/coverage"
	"github.com/healer-project/healer/pkg/executor"
	"github.com/healer-project/healer/pkg/guest"
	"github.com/healer-project/healer/pkg/record"
	"github.com/healer-project/healer/pkg/target"
)

// scriptedExec replays a fixed sequence of (result, crash) pairs for
// Exec, repeating the last entry once exhausted; Start is a no-op
// counted for assertions.
type scriptedExec struct {
	calls      []func() (executor.ExecResult, *guest.Crash)
	i          int
	startCount int
}

func (s *scriptedExec) Exec(prog *target.Prog) (executor.ExecResult, *guest.Crash) {
	if s.i >= len(s.calls) {
		return s.calls[len(s.calls)-1]()
	}
	f := s.calls[s.i]
	s.i++
	return f()
}

func (s *scriptedExec) Start() { s.startCount++ }

func okResult(raw ...[]uint64) func() (executor.ExecResult, *guest.Crash) {
	return func() (executor.ExecResult, *guest.Crash) {
		return executor.ExecResult{RawBlocks: raw}, nil
	}
}

func crashResult(inner string) func() (executor.ExecResult, *guest.Crash) {
	return func() (executor.ExecResult, *guest.Crash) {
		return executor.ExecResult{}, &guest.Crash{Inner: inner}
	}
}

func failedResult(reason string) func() (executor.ExecResult, *guest.Crash) {
	return func() (executor.ExecResult, *guest.Crash) {
		return executor.ExecResult{Failed: true, Reason: reason}, nil
	}
}

func testTarget() *target.Target {
	return &target.Target{Groups: map[target.GroupId]*target.Group{
		1: {Name: "FileStat", Fns: []target.Fn{{ID: 1, DecName: "stat"}, {ID: 2, DecName: "lstat"}}},
	}}
}

func newTestFuzzer(t *testing.T, exec Execer) (*Fuzzer, *corpus.Corpus, *coverage.FeedBack, *record.Record) {
	t.Helper()
	tgt := testTarget()
	c := corpus.New()
	fb := coverage.New()
	rec := record.New(t.TempDir(), nil)
	rtables := NewRTableMap(target.StaticAnalyze(tgt))
	f := New(exec, tgt, rtables, c, fb, rec, &target.GenConfig{MaxCalls: 2}, rand.New(rand.NewSource(1)), true)
	return f, c, fb, rec
}

func oneCallProg() *target.Prog {
	return &target.Prog{Gid: 1, Calls: []target.Call{{FID: 1, Args: []uint64{1}}}}
}

func TestExecOneRoutesFailedToRecord(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){failedResult("Prog send blocked")}}
	f, _, _, rec := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	_, failed, _ := rec.Len()
	assert.Equal(t, 1, failed)
}

func TestScenarioZeroSeedsPureGeneration(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		okResult([]uint64{10, 11}),
		okResult([]uint64{10, 11}), // confirmation run
		okResult([]uint64{10, 11}), // final re-exec
		okResult([]uint64{10, 11}), // subsequent progs: no new coverage
	}}
	f, c, fb, _ := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())
	assert.Equal(t, 1, c.Len())
	blocks, branches := fb.Len()
	assert.Equal(t, 2, blocks)
	assert.Equal(t, 1, branches)

	f.execOne(oneCallProg())
	assert.Equal(t, 1, c.Len(), "no new coverage on the second identical prog")
}

func TestScenarioNewCoverageConfirmed(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		okResult([]uint64{1, 2, 3}), // first exec_one
		okResult([]uint64{1, 2, 3}), // confirmation run: identical trace, nothing flaky
		okResult([]uint64{1, 2, 3}), // final re-execution of the (unminimized, len==1) prog
	}}
	f, c, fb, rec := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	assert.Equal(t, 1, c.Len())
	blocks, _ := fb.Len()
	assert.Equal(t, 3, blocks, "all three blocks confirmed on both runs are merged")

	normal, _, _ := rec.Len()
	assert.Equal(t, 1, normal)
}

func TestScenarioFlakyCoverageRejectedButStillRetained(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		okResult([]uint64{1, 2, 3}), // first exec_one
		okResult([]uint64{1}),       // confirmation run: only block 1 seen
		okResult([]uint64{1}),       // final re-execution of minimized single-call prog
	}}
	f, c, fb, _ := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	assert.Equal(t, 1, c.Len())
	blocks, _ := fb.Len()
	assert.Equal(t, 1, blocks, "only the intersected block {1} is merged")
}

func TestScenarioCrashWithRepro(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		crashResult("kernel BUG"),
		crashResult("kernel BUG"),
	}}
	f, _, _, rec := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	_, _, crashed := rec.Len()
	assert.Equal(t, 1, crashed)
	assert.Equal(t, 2, exec.startCount, "one restart before the confirmation run, one more after recording repro=true")
}

func TestScenarioCrashWithoutRepro(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		crashResult("kernel BUG"),
		okResult([]uint64{1}),
	}}
	f, _, _, rec := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	_, _, crashed := rec.Len()
	assert.Equal(t, 1, crashed)
}

func TestScenarioMemleakNotReproduced(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		crashResult("found CRASH-MEMLEAK: 64 bytes"),
	}}
	f, _, _, rec := newTestFuzzer(t, exec)

	f.execOne(oneCallProg())

	_, _, crashed := rec.Len()
	assert.Equal(t, 0, crashed, "memleak is logged, not recorded as a reproducible crash")
	assert.Equal(t, 0, exec.startCount, "no restart/reproduction attempt for memleak")
}

func TestMinimizeNeverLengthensAndKeepsLastCall(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		okResult([]uint64{9}), // deleting call 0 still reaches target block -> keep deletion
	}}
	f, _, fb, _ := newTestFuzzer(t, exec)
	fb.Merge([]coverage.Block{1}, nil) // block 1 already known; target nb = {9}

	p := &target.Prog{Gid: 1, Calls: []target.Call{{FID: 1}, {FID: 2}}}
	lastBefore := p.Calls[p.Len()-1]

	out := f.minimize(p, []coverage.Block{9})
	assert.LessOrEqual(t, out.Len(), 2)
	assert.Equal(t, lastBefore, out.Calls[out.Len()-1])
}

func TestMinimizeRevertsWhenTargetCoverageLost(t *testing.T) {
	exec := &scriptedExec{calls: []func() (executor.ExecResult, *guest.Crash){
		okResult([]uint64{1}), // deletion loses the target coverage -> revert
	}}
	f, _, _, _ := newTestFuzzer(t, exec)

	p := &target.Prog{Gid: 1, Calls: []target.Call{{FID: 1}, {FID: 2}}}
	out := f.minimize(p, []coverage.Block{9})
	require.Equal(t, 2, out.Len())
}

func TestMinimizeSingleCallIsNoOp(t *testing.T) {
	f, _, _, _ := newTestFuzzer(t, &scriptedExec{})
	p := oneCallProg()
	out := f.minimize(p, []coverage.Block{1})
	assert.Equal(t, p, out)
}
