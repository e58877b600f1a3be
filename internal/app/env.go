// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package app holds process-wide startup bookkeeping: init_env()'s
// effects, supplemented from the original Rust source (spec.md §12):
// creating ./crashes and exporting HEALER_FUZZER_PID (spec.md §6.5).
package app

import (
	"fmt"
	"os"
)

// InitEnv creates the ./crashes directory and sets HEALER_FUZZER_PID to
// the current process id, mirroring the original implementation's
// init_env() startup step.
func InitEnv(crashDir string) error {
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		return fmt.Errorf("app: create crash dir: %w", err)
	}
	if err := os.Setenv("HEALER_FUZZER_PID", fmt.Sprintf("%d", os.Getpid())); err != nil {
		return fmt.Errorf("app: set HEALER_FUZZER_PID: %w", err)
	}
	return nil
}
