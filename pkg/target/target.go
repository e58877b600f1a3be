// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package target implements the opaque Prog/Target/RTable/gen collaborators
// that spec.md §6.1 explicitly treats as external to the fuzzer core: the
// system-call description-language parser, type model, and program
// generator/mutator/analyzer are out of scope, so this package provides the
// minimal, self-contained stand-ins satisfying their contracts, deep enough
// for the rest of the module to compile and its tests to exercise real
// control flow.
//
// Grounded on the shape of the teacher's own prog.Prog/prog.Target
// (Calls []Call, Clone, Serialize, Generate), trimmed to the opaque
// contract spec.md §3/§6.1 actually calls for.
package target

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/healer-project/healer/pkg/hash"
)

// GroupId identifies a named subset of the API surface under test.
type GroupId uint32

// Call is a single opaque system-call invocation within a Prog.
type Call struct {
	FID  uint32
	Args []uint64
}

// Prog is an ordered sequence of Calls with a fixed GroupId, matching the
// opaque contract of spec.md §3: clone, hashable, serialize, calls, gid,
// len, sub_prog, shrink.
type Prog struct {
	Gid   GroupId
	Calls []Call
}

// Clone returns a deep copy.
func (p *Prog) Clone() *Prog {
	cp := &Prog{Gid: p.Gid, Calls: make([]Call, len(p.Calls))}
	for i, c := range p.Calls {
		args := make([]uint64, len(c.Args))
		copy(args, c.Args)
		cp.Calls[i] = Call{FID: c.FID, Args: args}
	}
	return cp
}

// Serialize returns the length-prefix-free gob encoding of p, the inverse
// of Deserialize.
func (p *Prog) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes data produced by Serialize.
func Deserialize(data []byte) (*Prog, error) {
	var p Prog
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Hash returns p's content hash, used as the Corpus dedup key.
func (p *Prog) Hash() hash.Sig {
	data, err := p.Serialize()
	if err != nil {
		// Serialize only fails on an encoder bug (gob never refuses a Prog's
		// plain-data shape); a hash is still required, so fall back to
		// hashing the zero value rather than panicking.
		return hash.Hash(nil)
	}
	return hash.Hash(data)
}

// Len returns the number of calls.
func (p *Prog) Len() int { return len(p.Calls) }

// SubProg returns the prefix of the first i+1 calls, per spec.md §3.
func (p *Prog) SubProg(i int) *Prog {
	sp := &Prog{Gid: p.Gid, Calls: make([]Call, i+1)}
	copy(sp.Calls, p.Calls[:i+1])
	return sp
}

// Shrink compacts internal storage after repeated call removal.
func (p *Prog) Shrink() {
	calls := make([]Call, len(p.Calls))
	copy(calls, p.Calls)
	p.Calls = calls
}

// Group is a named subset of the API surface; each Prog belongs to one.
type Group struct {
	Name string `json:"name"`
	Fns  []Fn   `json:"fns"`
}

// Fn is one syscall-like entry point within a Group.
type Fn struct {
	ID      uint32 `json:"id"`
	DecName string `json:"dec_name"`
}

// Target is the parsed description of the kernel API surface under test.
type Target struct {
	Groups map[GroupId]*Group `json:"groups"`
}

// GroupNameOf returns the name of the group gid belongs to.
func (t *Target) GroupNameOf(gid GroupId) string {
	if g, ok := t.Groups[gid]; ok {
		return g.Name
	}
	return "<unknown>"
}

// FnOf returns the declaration name of fid within g, or "<unknown>".
func (t *Target) FnOf(gid GroupId, fid uint32) string {
	g, ok := t.Groups[gid]
	if !ok {
		return "<unknown>"
	}
	for _, fn := range g.Fns {
		if fn.ID == fid {
			return fn.DecName
		}
	}
	return "<unknown>"
}

// RTable is a per-group refinement table updated by ProgAnalyze and
// consumed by Gen; spec.md leaves its internal shape unspecified beyond
// "per-group refinement table", so this keeps a simple observed-argument
// frequency map, enough to drive a real (if shallow) generator.
type RTable struct {
	seen map[uint32][]uint64
}

func newRTable() *RTable {
	return &RTable{seen: make(map[uint32][]uint64)}
}

// StaticAnalyze builds the initial RTable map for every group in t,
// called once at startup (spec.md §6.1).
func StaticAnalyze(t *Target) map[GroupId]*RTable {
	out := make(map[GroupId]*RTable, len(t.Groups))
	for gid := range t.Groups {
		out[gid] = newRTable()
	}
	return out
}

// ProgAnalyze updates rtable using an observed prog, under the caller's
// exclusive guard.
func ProgAnalyze(g *Group, rtable *RTable, p *Prog) {
	for _, c := range p.Calls {
		rtable.seen[c.FID] = append(rtable.seen[c.FID], c.Args...)
	}
}

// GenConfig bounds generated program shape.
type GenConfig struct {
	MaxCalls int
}

// Gen produces a new Prog for one of t's groups, reading rtable under the
// caller's shared guard. Pure and deterministic given inputs and rng, per
// spec.md §6.1.
func Gen(t *Target, rtables map[GroupId]*RTable, conf *GenConfig, rng *rand.Rand) *Prog {
	gids := make([]GroupId, 0, len(t.Groups))
	for gid := range t.Groups {
		gids = append(gids, gid)
	}
	if len(gids) == 0 {
		return &Prog{}
	}
	gid := gids[rng.Intn(len(gids))]
	g := t.Groups[gid]
	n := 1 + rng.Intn(conf.MaxCalls)
	p := &Prog{Gid: gid, Calls: make([]Call, 0, n)}
	if len(g.Fns) == 0 {
		return p
	}
	rt := rtables[gid]
	for i := 0; i < n; i++ {
		fn := g.Fns[rng.Intn(len(g.Fns))]
		p.Calls = append(p.Calls, Call{FID: fn.ID, Args: genArgs(rt, fn.ID, rng)})
	}
	return p
}

func genArgs(rt *RTable, fid uint32, rng *rand.Rand) []uint64 {
	if rt != nil {
		if prior := rt.seen[fid]; len(prior) > 0 && rng.Intn(2) == 0 {
			return []uint64{prior[rng.Intn(len(prior))]}
		}
	}
	return []uint64{rng.Uint64()}
}

// Remove deletes call i from p if legal (no later call depends on it),
// returning whether deletion occurred. This stand-in has no cross-call
// dependency model, so removal is always legal except for an
// out-of-range index.
func Remove(p *Prog, i int) bool {
	if i < 0 || i >= len(p.Calls) {
		return false
	}
	p.Calls = append(p.Calls[:i], p.Calls[i+1:]...)
	return true
}

// Script is a human-readable rendering of a Prog, produced by ToScript.
type Script struct {
	lines []string
}

func (s Script) String() string {
	var buf bytes.Buffer
	for _, l := range s.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// ToScript renders p against t for logs/records.
func ToScript(p *Prog, t *Target) Script {
	lines := make([]string, 0, len(p.Calls))
	for i, c := range p.Calls {
		name := t.FnOf(p.Gid, c.FID)
		lines = append(lines, fmt.Sprintf("r%d = %s(%v)", i, name, c.Args))
	}
	return Script{lines: lines}
}

// LoadFotsFile reads a JSON-encoded Target description from path. The
// on-disk .fots format itself is out of this repository's scope, so this
// is the minimal concrete loader the rest of the module needs to run
// against a real config's fots_bin, not a description of that format.
func LoadFotsFile(path string) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}
	var t Target
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("target: parse %s: %w", path, err)
	}
	if t.Groups == nil {
		t.Groups = map[GroupId]*Group{}
	}
	return &t, nil
}
