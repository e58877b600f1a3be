// Copyright 2022 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package testutil holds small helpers shared by this repository's test
// files.
package testutil

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// RandSource returns a reproducible rand.Source: SYZ_SEED pins it, CI
// forces it to zero, otherwise it is time-based.
func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("SYZ_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}
