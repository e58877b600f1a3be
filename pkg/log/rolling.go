// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import (
	"fmt"
	"os"
	"sync"
)

// RollingFile is a size-triggered rolling file sink: once the current file
// exceeds maxBytes it is rotated into up to backups numbered siblings
// (path.1, path.2, ...), following the fixed-window behavior the original
// Rust source configured via log4rs (original_source/fuzzer/src/lib.rs's
// init_logger, stats_policy/stats_roll), expressed with plain os.File
// composition instead of a logging-framework dependency.
type RollingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	f        *os.File
	size     int64
}

// NewRollingFile opens (or creates) path and prepares it to roll once it
// exceeds maxBytes, keeping up to backups old copies.
func NewRollingFile(path string, maxBytes int64, backups int) (*RollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RollingFile{path: path, maxBytes: maxBytes, backups: backups, f: f, size: info.Size()}, nil
}

func (r *RollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RollingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	for i := r.backups; i >= 1; i-- {
		src := r.rollName(i)
		if i == r.backups {
			os.Remove(src)
			continue
		}
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, r.rollName(i+1))
		}
	}
	os.Rename(r.path, r.rollName(1))
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *RollingFile) rollName(i int) string {
	if i == 0 {
		return r.path
	}
	return fmt.Sprintf("%s.%d", r.path, i)
}

// Close closes the underlying file.
func (r *RollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
