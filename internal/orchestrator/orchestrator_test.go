// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healer-project/healer/internal/config"
	"github.com/healer-project/healer/pkg/executor"
	"github.com/healer-project/healer/pkg/fuzzer"
	"github.com/healer-project/healer/pkg/guest"
	"github.com/healer-project/healer/pkg/target"
)

func testTarget() *target.Target {
	return &target.Target{Groups: map[target.GroupId]*target.Group{
		1: {Name: "Grp", Fns: []target.Fn{{ID: 1, DecName: "call"}}},
	}}
}

func testState(t *testing.T) *State {
	t.Helper()
	cfg := &config.Config{FotsBin: "unused", VMNum: 2}
	s, err := BuildState(cfg, func(string) (*target.Target, error) { return testTarget(), nil }, nil, nil)
	require.NoError(t, err)
	return s
}

// noopExec never produces coverage, failures or crashes, so every program
// Fuzz generates is a no-op and the generation loop spins until ctx is
// cancelled in the test below.
type noopExec struct{ started int32 }

func (n *noopExec) Exec(prog *target.Prog) (executor.ExecResult, *guest.Crash) {
	return executor.ExecResult{}, nil
}

func (n *noopExec) Start() { atomic.AddInt32(&n.started, 1) }

func TestBarrierReleasesAllWaitersTogether(t *testing.T) {
	b := newBarrier(3)
	var wg sync.WaitGroup
	released := make([]int32, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			b.Wait()
			atomic.StoreInt32(&released[idx], 1)
		}(i)
	}
	wg.Wait()
	for i, r := range released {
		assert.Equal(t, int32(1), r, "waiter %d was not released", i)
	}
}

func TestBarrierIsReusableAcrossRounds(t *testing.T) {
	b := newBarrier(2)
	done := make(chan struct{})
	go func() {
		b.Wait()
		b.Wait()
		close(done)
	}()
	b.Wait()
	b.Wait()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("barrier did not release on second round")
	}
}

func TestRunBootsWorkersAndReturnsOnCancel(t *testing.T) {
	s := testState(t)
	cfg := &config.Config{VMNum: 2}

	execs := make([]*noopExec, cfg.VMNum)
	for i := range execs {
		execs[i] = &noopExec{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg, s, func(workerID int) (fuzzer.Execer, []*target.Prog) {
		return execs[workerID], nil
	})
	require.NoError(t, err)

	for i, e := range execs {
		assert.Equal(t, int32(1), atomic.LoadInt32(&e.started), "worker %d should have started its executor once", i)
	}
}

func TestShutdownPersistsWithoutError(t *testing.T) {
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldWd)

	s := testState(t)
	assert.NotPanics(t, func() { Shutdown(s) })
}
