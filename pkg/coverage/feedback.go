// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import "sync"

// FeedBack is the process-wide accumulated coverage: two sets that only
// ever grow (spec.md §3 invariant: "monotonically grows over the run;
// elements are never removed"). Many workers read concurrently via
// DiffBlock/DiffBranch; Merge takes the exclusive side of the RWMutex, the
// same many-reader/one-writer discipline as the teacher's
// pkg/corpus.ProgramsList and the Rust original's RwLock<HashSet<_>>.
type FeedBack struct {
	mu       sync.RWMutex
	blocks   map[Block]struct{}
	branches map[Branch]struct{}
}

// New returns an empty FeedBack.
func New() *FeedBack {
	return &FeedBack{
		blocks:   make(map[Block]struct{}),
		branches: make(map[Branch]struct{}),
	}
}

// DiffBlock returns the subset of bs not yet present in the store. The
// read is a snapshot: a concurrent Merge may add one of these elements
// before the caller's later Merge call, which is harmless because set
// union is idempotent (spec.md §4.2).
func (f *FeedBack) DiffBlock(bs []Block) []Block {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Block
	for _, b := range bs {
		if _, ok := f.blocks[b]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// DiffBranch is the Branch-typed symmetric counterpart of DiffBlock.
func (f *FeedBack) DiffBranch(brs []Branch) []Branch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Branch
	for _, b := range brs {
		if _, ok := f.branches[b]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// Merge unions newBlocks/newBranches into the store. Already-present
// elements are a no-op, so concurrent overlapping merges are idempotent.
func (f *FeedBack) Merge(newBlocks []Block, newBranches []Branch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range newBlocks {
		f.blocks[b] = struct{}{}
	}
	for _, b := range newBranches {
		f.branches[b] = struct{}{}
	}
}

// IsEmpty reports whether either set is empty, matching the (slightly
// surprising) spec.md §4.2 definition: true if blocks OR branches is
// empty, not only when both are.
func (f *FeedBack) IsEmpty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.blocks) == 0 || len(f.branches) == 0
}

// Len returns (|blocks|, |branches|).
func (f *FeedBack) Len() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.blocks), len(f.branches)
}
