// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigCheck(t *testing.T) {
	valid := Config{Host: "smtp.example.com", Port: 587, From: "a@example.com", To: []string{"b@example.com"}}
	assert.NoError(t, valid.Check())

	assert.Error(t, Config{Port: 587, From: "a@example.com", To: []string{"b"}}.Check())
	assert.Error(t, Config{Host: "h", From: "a@example.com", To: []string{"b"}}.Check())
	assert.Error(t, Config{Host: "h", Port: 587, To: []string{"b"}}.Check())
	assert.Error(t, Config{Host: "h", Port: 587, From: "a@example.com"}.Check())
}

func TestRawEmailIncludesHeaders(t *testing.T) {
	cfg := Config{Host: "smtp.example.com", Port: 587, From: "a@example.com", To: []string{"b@example.com"}}
	raw := string(rawEmail(cfg, "Healer-Reporter: CRASH REPORT", "body text", "<id@host>"))
	assert.Contains(t, raw, "Subject: Healer-Reporter: CRASH REPORT")
	assert.Contains(t, raw, "To: b@example.com")
	assert.Contains(t, raw, "Message-ID: <id@host>")
	assert.Contains(t, raw, "body text")
}
