// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"math/rand"
	"sort"

	"github.com/healer-project/healer/pkg/corpus"
	"github.com/healer-project/healer/pkg/coverage"
	"github.com/healer-project/healer/pkg/executor"
	"github.com/healer-project/healer/pkg/guest"
	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/record"
	"github.com/healer-project/healer/pkg/sysexit"
	"github.com/healer-project/healer/pkg/target"
)

// Execer is the subset of *executor.Executor the fuzzer loop drives;
// tests substitute a fake to exercise exec_one/feedback_analyze/
// crash_analyze/minimize without a real guest or TCP connection.
type Execer interface {
	Exec(prog *target.Prog) (executor.ExecResult, *guest.Crash)
	Start()
}

// Fuzzer runs one worker's fuzzing loop (spec.md §4.5) against shared
// Corpus/FeedBack/Record/RTable state and its own exclusively-owned
// Execer.
type Fuzzer struct {
	exec     Execer
	target   *target.Target
	rtables  *RTableMap
	corpus   *corpus.Corpus
	feedback *coverage.FeedBack
	record   *record.Record
	genConf  *target.GenConfig
	rng      *rand.Rand

	memleakCheck bool
}

// New constructs a Fuzzer. rng seeds the deterministic generator
// (spec.md §6.1: "deterministic given inputs and internal RNG").
func New(exec Execer, t *target.Target, rtables *RTableMap, c *corpus.Corpus, fb *coverage.FeedBack,
	rec *record.Record, genConf *target.GenConfig, rng *rand.Rand, memleakCheck bool) *Fuzzer {
	return &Fuzzer{
		exec: exec, target: t, rtables: rtables, corpus: c, feedback: fb, record: rec,
		genConf: genConf, rng: rng, memleakCheck: memleakCheck,
	}
}

// Fuzz is the worker entry point (spec.md §4.5 "fuzz(executor,
// seed_progs)"): runs each seed once, then generates forever until ctx is
// cancelled (the core's "Forever" loop, made cancellable for graceful
// shutdown — see spec.md §4.7 step 6).
func (f *Fuzzer) Fuzz(ctx context.Context, seedProgs []*target.Prog) {
	for _, p := range seedProgs {
		f.execOne(p)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		prog := f.rtables.Gen(f.target, f.genConf, f.rng)
		f.execOne(prog)
	}
}

// execOne dispatches one program's result per spec.md §4.5 "exec_one".
func (f *Fuzzer) execOne(prog *target.Prog) {
	res, crash := f.exec.Exec(prog)
	switch {
	case crash != nil:
		f.crashAnalyze(prog, *crash)
	case res.Failed:
		id := f.record.NextID()
		f.record.InsertFailed(record.FailedCase{
			ID:     id,
			Title:  record.Title(f.target, prog, id),
			Script: target.ToScript(prog, f.target).String(),
			Reason: res.Reason,
		})
	default:
		f.feedbackAnalyze(prog, res.RawBlocks)
	}
}

// crashAnalyze implements spec.md §4.5 "crash_analyze(prog, crash)".
func (f *Fuzzer) crashAnalyze(prog *target.Prog, crash guest.Crash) {
	if crash.IsMemleak() {
		log.Warnf("fuzzer: memleak finding, not attempting reproduction: %s", crash.Inner)
		return
	}

	script := target.ToScript(prog, f.target).String()
	log.Logf(1, "fuzzer: crash, attempting reproduction for prog:\n%s", script)

	f.exec.Start()
	res, secondCrash := f.exec.Exec(prog)
	switch {
	case secondCrash != nil:
		id := f.record.NextID()
		f.record.InsertCrash(record.CrashedCase{
			ID:     id,
			Title:  record.Title(f.target, prog, id),
			Script: script,
			Repro:  true,
			Crash:  secondCrash.Inner,
		})
		f.exec.Start()
	case !res.Failed:
		id := f.record.NextID()
		f.record.InsertCrash(record.CrashedCase{
			ID:     id,
			Title:  record.Title(f.target, prog, id),
			Script: script,
			Repro:  false,
			Crash:  crash.Inner,
		})
	default:
		// Program-level failure on the confirmation run is swallowed for
		// logging purposes only, per spec.md §4.5.
		log.Logf(1, "fuzzer: reproduction run failed: %s", res.Reason)
	}
}

// feedbackAnalyze implements spec.md §4.5 "feedback_analyze(prog,
// raw_blocks)".
func (f *Fuzzer) feedbackAnalyze(prog *target.Prog, raw [][]uint64) {
	for i, callRaw := range raw {
		blocks1, branches1 := coverage.Cook(callRaw)
		nb1 := f.feedback.DiffBlock(blocks1)
		br1 := f.feedback.DiffBranch(branches1)
		if len(nb1) == 0 && len(br1) == 0 {
			continue
		}

		sub := prog.SubProg(i)
		nb2, br2 := f.confirmRun(sub, i)

		nb := intersectBlocks(nb1, nb2)
		br := intersectBranches(br1, br2)
		if len(nb) == 0 && len(br) == 0 {
			continue
		}

		minimized := f.minimize(sub, nb)
		f.recordNewCoverage(minimized, nb, br)
	}
}

// confirmRun re-executes sub (spec.md §4.5.c) and returns the new
// block/branch sets observed for its last call, or empty sets if the
// confirmation run crashed, failed, or produced a short trace.
func (f *Fuzzer) confirmRun(sub *target.Prog, callIdx int) ([]coverage.Block, []coverage.Branch) {
	res, crash := f.exec.Exec(sub)
	if crash != nil {
		if crash.IsMemleak() {
			log.Warnf("fuzzer: confirmation run hit memleak, treating as empty: %s", crash.Inner)
		} else {
			log.Logf(1, "fuzzer: confirmation run crashed, ignoring: %s", crash.Inner)
		}
		return nil, nil
	}
	if res.Failed || len(res.RawBlocks) != callIdx+1 {
		return nil, nil
	}
	blocks, branches := coverage.Cook(res.RawBlocks[callIdx])
	return f.feedback.DiffBlock(blocks), f.feedback.DiffBranch(branches)
}

// recordNewCoverage implements spec.md §4.5.e.2-4: re-execute the
// minimized prog, update the RTable, and record/merge.
func (f *Fuzzer) recordNewCoverage(minimized *target.Prog, nb []coverage.Block, br []coverage.Branch) {
	res, crash := f.exec.Exec(minimized)
	var raw [][]uint64
	switch {
	case crash != nil && crash.IsMemleak():
		log.Warnf("fuzzer: final re-execution hit memleak, treating as empty: %s", crash.Inner)
	case crash != nil:
		sysexit.Abort(log.Logf, sysexit.Software, "fuzzer: final re-execution crashed unexpectedly: %s", crash.Inner)
		return
	default:
		raw = res.RawBlocks
	}

	f.rtables.Analyze(f.target, minimized.Gid, minimized)

	blockNum := make([]int, len(raw))
	branchNum := make([]int, len(raw))
	for i, callRaw := range raw {
		blocks, branches := coverage.Cook(callRaw)
		blockNum[i] = len(blocks)
		branchNum[i] = len(branches)
	}

	f.corpus.Insert(minimized)
	id := f.record.NextID()
	f.record.InsertExecuted(record.ExecutedCase{
		ID:             id,
		Title:          record.Title(f.target, minimized, id),
		Script:         target.ToScript(minimized, f.target).String(),
		BlockNum:       blockNum,
		BranchNum:      branchNum,
		NewBranchCount: len(br),
		NewBlockCount:  len(nb),
	})
	f.feedback.Merge(nb, br)
}

// minimize implements spec.md §4.5.1: iteratively remove calls from p
// while nb remains (partially) reachable, never deleting the last call.
func (f *Fuzzer) minimize(p *target.Prog, nb []coverage.Block) *target.Prog {
	if p.Len() <= 1 {
		return p
	}
	i := 0
	for i < p.Len()-1 {
		orig := p.Clone()
		if !target.Remove(p, i) {
			i++
			continue
		}

		res, crash := f.exec.Exec(p)
		switch {
		case crash != nil && crash.IsMemleak():
			log.Warnf("fuzzer: minimize iteration hit memleak, reverting: %s", crash.Inner)
			return orig
		case crash != nil:
			sysexit.Abort(log.Logf, sysexit.Software, "fuzzer: minimize iteration crashed unexpectedly: %s", crash.Inner)
			return orig
		case res.Failed:
			return orig
		}
		if len(res.RawBlocks) == 0 {
			p = orig
			i++
			continue
		}
		last := res.RawBlocks[len(res.RawBlocks)-1]
		blocks, _ := coverage.Cook(last)
		nbPrime := f.feedback.DiffBlock(blocks)
		if len(nbPrime) == 0 || len(intersectBlocks(nbPrime, nb)) == 0 {
			p = orig
			i++
			continue
		}
		// Deletion kept; do not advance i.
	}
	return p
}

func intersectBlocks(a, b []coverage.Block) []coverage.Block {
	set := make(map[coverage.Block]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var out []coverage.Block
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func intersectBranches(a, b []coverage.Branch) []coverage.Branch {
	set := make(map[coverage.Branch]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var out []coverage.Branch
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
