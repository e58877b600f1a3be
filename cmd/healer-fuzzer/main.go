// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command healer-fuzzer is the coverage-guided kernel syscall fuzzer's
// process entry point (spec.md §6.5): it loads and validates the TOML
// config, wires up logging, the shared fuzzing state, a Prometheus
// /metrics endpoint, and the orchestrator, then blocks until a shutdown
// signal arrives.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/healer-project/healer/internal/app"
	"github.com/healer-project/healer/internal/config"
	"github.com/healer-project/healer/internal/mail"
	"github.com/healer-project/healer/internal/orchestrator"
	"github.com/healer-project/healer/pkg/executor"
	"github.com/healer-project/healer/pkg/fuzzer"
	"github.com/healer-project/healer/pkg/guest"
	"github.com/healer-project/healer/pkg/log"
	"github.com/healer-project/healer/pkg/sysexit"
	"github.com/healer-project/healer/pkg/target"
)

var (
	flagConfig  = flag.String("c", "./healer-fuzzer.toml", "path to the TOML config")
	flagVerbose = flag.Int("v", 0, "log verbosity level")
	flagMetrics = flag.String("metrics", ":9242", "address to serve /metrics on (empty disables it)")
)

const (
	logDir        = "./log"
	maxLogBytes   = 100 << 20 // 100MiB, per spec.md §6.4
	logBackups    = 2
	workDirPrefix = "./guest-work"
)

func main() {
	flag.Parse()
	log.SetLevel(*flagVerbose)

	if err := app.InitEnv("./crashes"); err != nil {
		sysexit.Abort(log.Logf, sysexit.IOErr, "init env: %v", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		sysexit.Abort(log.Logf, sysexit.IOErr, "create log dir: %v", err)
	}

	fuzzerLog, err := log.NewRollingFile(filepath.Join(logDir, "fuzzer.log"), maxLogBytes, logBackups)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.IOErr, "open fuzzer log: %v", err)
	}
	log.SetFileSink(fuzzerLog)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.Config, "load config: %v", err)
	}
	if err := cfg.Check(); err != nil {
		sysexit.Abort(log.Logf, sysexit.Config, "invalid config: %v", err)
	}

	var mailer *mail.Sender
	if cfg.Mail != nil {
		mailer = mail.New(*cfg.Mail)
	}

	reg := prometheus.NewRegistry()
	if *flagMetrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*flagMetrics, mux); err != nil {
				log.Warnf("metrics server exited: %v", err)
			}
		}()
		log.Logf(0, "serving metrics on %s", *flagMetrics)
	}

	state, err := orchestrator.BuildState(cfg, target.LoadFotsFile, mailer, reg)
	if err != nil {
		sysexit.Abort(log.Logf, sysexit.DataErr, "build fuzzing state: %v", err)
	}

	newExecer := func(workerID int) (fuzzer.Execer, []*target.Prog) {
		g := guest.New(guest.Config{
			WorkDir:     fmt.Sprintf("%s-%d", workDirPrefix, workerID),
			BootTimeout: 30 * time.Second,
		})
		e := executor.New(executor.Config{
			FotsBin:      cfg.FotsBin,
			InGuestFots:  "/target.fots",
			HostIP:       cfg.Executor.HostIPOrDefault(),
			Concurrency:  cfg.Executor.Concurrency,
			MemleakCheck: cfg.Executor.MemleakCheck,
			AgentPath:    "/agent",
			HostAgentBin: cfg.Executor.Path,
		}, g)
		return e, state.Corpus.Snapshot()
	}

	log.Logf(0, "healer-fuzzer starting with %d workers", cfg.VMNum)
	orchestrator.RunWithSignals(cfg, state, newExecer)
}
