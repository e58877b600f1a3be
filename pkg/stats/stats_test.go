// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	corpus            int
	blocks, branches  int
	normal, failed, c int
}

func (f *fakeSource) CorpusLen() int            { return f.corpus }
func (f *fakeSource) FeedBackLen() (int, int)   { return f.blocks, f.branches }
func (f *fakeSource) RecordLen() (int, int, int) { return f.normal, f.failed, f.c }

type fakeMailer struct {
	called  int
	subject string
}

func (m *fakeMailer) Send(subject, body string) error {
	m.called++
	m.subject = subject
	return nil
}

func TestConfCheckBounds(t *testing.T) {
	assert.NoError(t, DefaultConf().Check())

	bad := Conf{SampleInterval: 5 * time.Second, ReportInterval: 60 * time.Minute}
	assert.Error(t, bad.Check())

	bad2 := Conf{SampleInterval: 15 * time.Second, ReportInterval: 5 * time.Minute}
	assert.Error(t, bad2.Check())

	// Literal source constraint: sample_interval (seconds) * 60 >=
	// report_interval (minutes); 10*60 = 600 < 601.
	bad3 := Conf{SampleInterval: 10 * time.Second, ReportInterval: 601 * time.Minute}
	assert.Error(t, bad3.Check())
}

func TestSamplerTickPushesAndLogs(t *testing.T) {
	src := &fakeSource{corpus: 3, blocks: 10, branches: 5, normal: 1, failed: 2, c: 0}
	s := New(Conf{SampleInterval: 10 * time.Second, ReportInterval: 20 * time.Minute}, src, nil, nil)

	s.tick()
	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Corpus)
	assert.Equal(t, 10, items[0].Blocks)
}

func TestSamplerMailsOnceReportIntervalReached(t *testing.T) {
	src := &fakeSource{}
	mailer := &fakeMailer{}
	s := New(Conf{SampleInterval: 10 * time.Second, ReportInterval: 20 * time.Second}, src, mailer, nil)

	s.tick() // elapsed = 10s, < 20s
	assert.Equal(t, 0, mailer.called)
	s.tick() // elapsed = 20s, >= 20s -> mail + reset
	assert.Equal(t, 1, mailer.called)
	assert.Equal(t, "Healer-Stats Regular Report", mailer.subject)

	s.tick()
	assert.Equal(t, 1, mailer.called, "elapsed reset after the report, not due again yet")
}

func TestSamplerPersistWritesAscendingOrder(t *testing.T) {
	src := &fakeSource{corpus: 1}
	s := New(Conf{SampleInterval: 10 * time.Second, ReportInterval: 20 * time.Minute}, src, nil, nil)
	s.tick()
	src.corpus = 2
	s.tick()

	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, s.Persist(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []Sample
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Corpus)
	assert.Equal(t, 2, got[1].Corpus)
}
