// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer implements the per-worker fuzzing loop (spec.md §4.5):
// exec_one, feedback_analyze, crash_analyze, and minimization, grounded on
// original_source/fuzzer/src/fuzzer.rs.
package fuzzer

import (
	"math/rand"
	"sync"

	"github.com/healer-project/healer/pkg/target"
)

// RTableMap is the per-group RTable map guarded by a single read-write
// lock (spec.md §5: "gen reads under shared guard; prog_analyze writes
// under exclusive guard").
type RTableMap struct {
	mu     sync.RWMutex
	tables map[target.GroupId]*target.RTable
}

// NewRTableMap wraps the result of target.StaticAnalyze, called once at
// startup (spec.md §6.1).
func NewRTableMap(tables map[target.GroupId]*target.RTable) *RTableMap {
	return &RTableMap{tables: tables}
}

// Gen generates a new Prog under a shared read guard.
func (m *RTableMap) Gen(t *target.Target, conf *target.GenConfig, rng *rand.Rand) *target.Prog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return target.Gen(t, m.tables, conf, rng)
}

// Analyze updates the RTable for gid using an observed prog, under an
// exclusive guard.
func (m *RTableMap) Analyze(t *target.Target, gid target.GroupId, p *target.Prog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := t.Groups[gid]
	if !ok {
		return
	}
	rt, ok := m.tables[gid]
	if !ok {
		return
	}
	target.ProgAnalyze(g, rt, p)
}
