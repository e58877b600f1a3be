// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats implements the periodic stats sampler (spec.md §4.8):
// a sleep/snapshot/log loop feeding a 1024-capacity circular buffer, JSON
// persistence, periodic mail reports, and a Prometheus export of the same
// counters.
//
// Grounded on original_source/fuzzer/src/stats.rs for the JSON/mail half
// (exact intervals, capacities, report format) and other_examples'
// internal/engine/engine.go promauto-field-struct pattern for the
// Prometheus half.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/healer-project/healer/pkg/log"
)

// Conf configures the sampler. SampleInterval must be ≥ 10s and
// ReportInterval > 10min; in addition, the sample interval counted in
// seconds, times 60, must be ≥ the report interval counted in minutes
// (the raw TOML field values), which is structurally unusual but is
// preserved verbatim rather than "fixed", per the open-question
// resolution recorded for this component.
type Conf struct {
	SampleInterval time.Duration
	ReportInterval time.Duration
}

// Check validates Conf, matching spec.md §4.8's literal constraint.
func (c Conf) Check() error {
	if c.SampleInterval < 10*time.Second {
		return fmt.Errorf("stats: sample_interval must be >= 10s, got %s", c.SampleInterval)
	}
	if c.ReportInterval <= 10*time.Minute {
		return fmt.Errorf("stats: report_interval must be > 10min, got %s", c.ReportInterval)
	}
	if c.SampleInterval.Seconds()*60 < c.ReportInterval.Minutes() {
		return fmt.Errorf("stats: sample_interval(s)*60 must be >= report_interval(min), got sample=%s report=%s",
			c.SampleInterval, c.ReportInterval)
	}
	return nil
}

// DefaultConf returns the spec-mandated defaults (15s sample, 60min
// report).
func DefaultConf() Conf {
	return Conf{SampleInterval: 15 * time.Second, ReportInterval: 60 * time.Minute}
}

// Sample is one snapshot of the three shared counters.
type Sample struct {
	Time     time.Time `json:"time"`
	Corpus   int       `json:"corpus"`
	Blocks   int       `json:"blocks"`
	Branches int       `json:"branches"`
	Normal   int       `json:"normal_case"`
	Failed   int       `json:"failed_case"`
	Crashed  int       `json:"crashed_case"`
}

// Source supplies the counters a Sample snapshots; *corpus.Corpus,
// *coverage.FeedBack, and *record.Record together satisfy it via a small
// adapter built by the orchestrator, keeping this package free of a
// direct dependency on any of them.
type Source interface {
	CorpusLen() int
	FeedBackLen() (int, int)
	RecordLen() (int, int, int)
}

// Mailer is the minimal contract Sampler needs to dispatch the periodic
// report; internal/mail.Sender implements it.
type Mailer interface {
	Send(subject, body string) error
}

// Sampler runs the periodic sampling loop.
type Sampler struct {
	conf   Conf
	src    Source
	mailer Mailer

	mu      sync.Mutex
	buf     [1024]Sample
	next    int
	count   int
	elapsed time.Duration

	corpusGauge   prometheus.Gauge
	blocksGauge   prometheus.Gauge
	branchesGauge prometheus.Gauge
	normalGauge   prometheus.Gauge
	failedGauge   prometheus.Gauge
	crashedGauge  prometheus.Gauge
}

// New constructs a Sampler. mailer may be nil to skip report e-mails.
func New(conf Conf, src Source, mailer Mailer, reg prometheus.Registerer) *Sampler {
	factory := promauto.With(reg)
	return &Sampler{
		conf:   conf,
		src:    src,
		mailer: mailer,
		corpusGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_corpus_size", Help: "Number of programs retained in the corpus.",
		}),
		blocksGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_feedback_blocks", Help: "Number of distinct coverage blocks observed.",
		}),
		branchesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_feedback_branches", Help: "Number of distinct coverage branches observed.",
		}),
		normalGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_record_normal_total", Help: "Total executed test cases recorded.",
		}),
		failedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_record_failed_total", Help: "Total program-level failures recorded.",
		}),
		crashedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healer_record_crashed_total", Help: "Total crashes recorded.",
		}),
	}
}

// Run sleeps sample_interval, snapshots, logs, and e-mails a periodic
// report once the cumulative elapsed time reaches report_interval
// (spec.md §4.8), until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.conf.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	sample := s.snapshot()
	s.push(sample)
	log.Logf(0, "stats: corpus=%d blocks=%d branches=%d normal=%d failed=%d crashed=%d",
		sample.Corpus, sample.Blocks, sample.Branches, sample.Normal, sample.Failed, sample.Crashed)

	s.mu.Lock()
	s.elapsed += s.conf.SampleInterval
	due := s.elapsed >= s.conf.ReportInterval
	if due {
		s.elapsed = 0
	}
	s.mu.Unlock()

	if due && s.mailer != nil {
		body := fmt.Sprintf("corpus=%d blocks=%d branches=%d normal=%d failed=%d crashed=%d at %s",
			sample.Corpus, sample.Blocks, sample.Branches, sample.Normal, sample.Failed, sample.Crashed,
			sample.Time.Format(time.RFC3339))
		if err := s.mailer.Send("Healer-Stats Regular Report", body); err != nil {
			log.Warnf("stats: failed to mail report: %v", err)
		}
	}
}

func (s *Sampler) snapshot() Sample {
	corpus := s.src.CorpusLen()
	blocks, branches := s.src.FeedBackLen()
	normal, failed, crashed := s.src.RecordLen()

	s.corpusGauge.Set(float64(corpus))
	s.blocksGauge.Set(float64(blocks))
	s.branchesGauge.Set(float64(branches))
	s.normalGauge.Set(float64(normal))
	s.failedGauge.Set(float64(failed))
	s.crashedGauge.Set(float64(crashed))

	return Sample{
		Time: timeNow(), Corpus: corpus, Blocks: blocks, Branches: branches,
		Normal: normal, Failed: failed, Crashed: crashed,
	}
}

// timeNow is a seam for tests; production always uses the wall clock.
var timeNow = time.Now

func (s *Sampler) push(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = sample
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// Items returns buffered samples in ascending insertion order.
func (s *Sampler) Items() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, s.count)
	if s.count < len(s.buf) {
		out = append(out, s.buf[:s.count]...)
		return out
	}
	out = append(out, s.buf[s.next:]...)
	out = append(out, s.buf[:s.next]...)
	return out
}

// Persist writes the buffer, ascending, to ./stats.json (spec.md §4.8).
func (s *Sampler) Persist(path string) error {
	data, err := json.MarshalIndent(s.Items(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
