// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package target

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healer-project/healer/pkg/testutil"
)

func testTarget() *Target {
	return &Target{Groups: map[GroupId]*Group{
		1: {Name: "FileStat", Fns: []Fn{{ID: 1, DecName: "stat"}, {ID: 2, DecName: "lstat"}}},
	}}
}

func TestProgCloneIsDeep(t *testing.T) {
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1, Args: []uint64{7}}}}
	cp := p.Clone()
	cp.Calls[0].Args[0] = 99
	assert.Equal(t, uint64(7), p.Calls[0].Args[0])
	assert.Equal(t, uint64(99), cp.Calls[0].Args[0])
}

func TestProgSerializeRoundTrip(t *testing.T) {
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1, Args: []uint64{7, 8}}, {FID: 2, Args: nil}}}
	data, err := p.Serialize()
	require.NoError(t, err)
	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, p.Gid, got.Gid)
	assert.Equal(t, p.Calls, got.Calls)
}

func TestProgHashStable(t *testing.T) {
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1, Args: []uint64{7}}}}
	h1 := p.Hash()
	h2 := p.Clone().Hash()
	assert.Equal(t, h1, h2)
}

func TestSubProgIsPrefix(t *testing.T) {
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1}, {FID: 2}, {FID: 3}}}
	sp := p.SubProg(1)
	assert.Equal(t, 2, sp.Len())
	assert.Equal(t, []Call{{FID: 1}, {FID: 2}}, sp.Calls)
}

func TestRemove(t *testing.T) {
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1}, {FID: 2}, {FID: 3}}}
	ok := Remove(p, 1)
	assert.True(t, ok)
	assert.Equal(t, []Call{{FID: 1}, {FID: 3}}, p.Calls)

	assert.False(t, Remove(p, 5))
}

func TestGenDeterministicGivenSeed(t *testing.T) {
	tgt := testTarget()
	rtables := StaticAnalyze(tgt)
	conf := &GenConfig{MaxCalls: 4}

	p1 := Gen(tgt, rtables, conf, rand.New(rand.NewSource(42)))
	p2 := Gen(tgt, rtables, conf, rand.New(rand.NewSource(42)))
	assert.Equal(t, p1.Calls, p2.Calls)
	assert.Greater(t, p1.Len(), 0)
}

func TestGenNeverExceedsMaxCallsForRandomSeed(t *testing.T) {
	tgt := testTarget()
	rtables := StaticAnalyze(tgt)
	conf := &GenConfig{MaxCalls: 6}
	rng := rand.New(testutil.RandSource(t))

	for i := 0; i < 50; i++ {
		p := Gen(tgt, rtables, conf, rng)
		assert.LessOrEqual(t, p.Len(), conf.MaxCalls)
		assert.GreaterOrEqual(t, p.Len(), 1)
	}
}

func TestProgAnalyzeFeedsGen(t *testing.T) {
	tgt := testTarget()
	rtables := StaticAnalyze(tgt)
	seed := &Prog{Gid: 1, Calls: []Call{{FID: 1, Args: []uint64{1234}}}}
	ProgAnalyze(tgt.Groups[1], rtables[1], seed)
	assert.Contains(t, rtables[1].seen[1], uint64(1234))
}

func TestToScript(t *testing.T) {
	tgt := testTarget()
	p := &Prog{Gid: 1, Calls: []Call{{FID: 1, Args: []uint64{5}}}}
	s := ToScript(p, tgt)
	assert.Contains(t, s.String(), "stat")
}

func TestLoadFotsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.fots")
	const doc = `{"groups":{"1":{"name":"FileStat","fns":[{"id":1,"dec_name":"stat"}]}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tgt, err := LoadFotsFile(path)
	require.NoError(t, err)
	require.Contains(t, tgt.Groups, GroupId(1))
	assert.Equal(t, "FileStat", tgt.Groups[1].Name)
	assert.Equal(t, "stat", tgt.Groups[1].Fns[0].DecName)
}

func TestLoadFotsFileMissing(t *testing.T) {
	_, err := LoadFotsFile(filepath.Join(t.TempDir(), "missing.fots"))
	assert.Error(t, err)
}
