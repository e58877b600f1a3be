// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package orchestrator brings up N fuzzing workers behind a rendezvous
// barrier, starts the stats sampler, and installs a signal handler for
// graceful shutdown (spec.md §4.7), grounded on the teacher's
// errgroup.WithContext worker-group lifecycle idiom (e.g.
// syz-cluster/email-reporter/main.go).
package orchestrator

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/healer-project/healer/internal/config"
	"github.com/healer-project/healer/internal/mail"
	"github.com/healer-project/healer/pkg/corpus"
	"github.com/healer-project/healer/pkg/coverage"
	"github.com/healer-project/healer/pkg/fuzzer"
	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/record"
	"github.com/healer-project/healer/pkg/stats"
	"github.com/healer-project/healer/pkg/target"
)

// State is the process-wide shared state constructed once at startup
// (spec.md §4.7 step 2).
type State struct {
	Target   *target.Target
	RTables  *fuzzer.RTableMap
	Corpus   *corpus.Corpus
	FeedBack *coverage.FeedBack
	Record   *record.Record
	Sampler  *stats.Sampler
}

// statsSource adapts State to pkg/stats.Source without that package
// depending directly on corpus/coverage/record.
type statsSource struct{ s *State }

func (a statsSource) CorpusLen() int            { return a.s.Corpus.Len() }
func (a statsSource) FeedBackLen() (int, int)   { return a.s.FeedBack.Len() }
func (a statsSource) RecordLen() (int, int, int) { return a.s.Record.Len() }

// LoadTarget is supplied by the caller (normally cmd/healer-fuzzer) so
// this package stays decoupled from the on-disk .fots format, which is
// explicitly out of spec.md's scope (§1).
type LoadTarget func(fotsBin string) (*target.Target, error)

// BuildState constructs the shared process-wide state (spec.md §4.7
// steps 1-2).
func BuildState(cfg *config.Config, loadTarget LoadTarget, mailer *mail.Sender, reg prometheus.Registerer) (*State, error) {
	tgt, err := loadTarget(cfg.FotsBin)
	if err != nil {
		return nil, err
	}
	rtables := fuzzer.NewRTableMap(target.StaticAnalyze(tgt))
	c := corpus.New()
	if cfg.Corpus != "" {
		if err := c.LoadFile(cfg.Corpus); err != nil {
			return nil, err
		}
	}
	fb := coverage.New()

	var recordMailer record.Mailer
	var statsMailer stats.Mailer
	if mailer != nil {
		recordMailer = mailer
		statsMailer = mailer
	}
	rec := record.New("./crashes", recordMailer)

	s := &State{Target: tgt, RTables: rtables, Corpus: c, FeedBack: fb, Record: rec}
	s.Sampler = stats.New(cfg.Sampler.ToStatsConf(), statsSource{s}, statsMailer, reg)
	return s, nil
}

// barrier is a rendezvous point of fixed arity: every participant blocks
// in Wait until all have arrived (spec.md §4.7 step 3: "a rendezvous
// barrier of arity vm_num + 1").
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	arity   int
	arrived int
	round   int
}

func newBarrier(arity int) *barrier {
	b := &barrier{arity: arity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	round := b.round
	b.arrived++
	if b.arrived == b.arity {
		b.arrived = 0
		b.round++
		b.cond.Broadcast()
		return
	}
	for round == b.round {
		b.cond.Wait()
	}
}

// Run boots vm_num workers behind a rendezvous barrier, starts the
// sampler, and blocks until ctx is cancelled (normally by the signal
// handler installed in RunWithSignals) or a worker's Executor.Start
// aborts the process.
func Run(ctx context.Context, cfg *config.Config, s *State, newExecer func(workerID int) (fuzzer.Execer, []*target.Prog)) error {
	bar := newBarrier(cfg.VMNum + 1)
	g, gctx := errgroup.WithContext(ctx)

	bootStart := timeNow()
	for i := 0; i < cfg.VMNum; i++ {
		workerID := i
		g.Go(func() error {
			exec, seeds := newExecer(workerID)
			exec.Start()
			bar.Wait()
			f := fuzzer.New(exec, s.Target, s.RTables, s.Corpus, s.FeedBack, s.Record,
				&target.GenConfig{MaxCalls: 8}, rand.New(rand.NewSource(int64(workerID)+1)), cfg.Executor.MemleakCheck)
			f.Fuzz(gctx, seeds)
			return nil
		})
	}

	bar.Wait()
	log.Logf(0, "orchestrator: %d workers booted in %s", cfg.VMNum, timeNow().Sub(bootStart))
	g.Go(func() error {
		s.Sampler.Run(gctx)
		return nil
	})

	return g.Wait()
}

var timeNow = time.Now

// Shutdown persists Corpus/Record/Sampler to disk, matching spec.md §4.7
// step 6.
func Shutdown(s *State) {
	if err := s.Corpus.DumpFile("./corpus"); err != nil {
		log.Warnf("orchestrator: dump corpus: %v", err)
	}
	if err := s.Record.Persist("."); err != nil {
		log.Warnf("orchestrator: persist record: %v", err)
	}
	if err := s.Sampler.Persist(filepath.Join(".", "stats.json")); err != nil {
		log.Warnf("orchestrator: persist stats: %v", err)
	}
}

// RunWithSignals runs the orchestrator and installs a SIGINT/SIGTERM
// handler that persists state and exits 0 (spec.md §4.7 step 6).
func RunWithSignals(cfg *config.Config, s *State, newExecer func(workerID int) (fuzzer.Execer, []*target.Prog)) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logf(0, "orchestrator: received shutdown signal")
		cancel()
		Shutdown(s)
		os.Exit(0)
	}()

	if err := Run(ctx, cfg, s, newExecer); err != nil {
		log.Warnf("orchestrator: worker group exited with error: %v", err)
	}
}
