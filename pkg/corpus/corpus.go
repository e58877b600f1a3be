// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus implements the deduplicated retained-program set (spec.md
// §4.3), grounded on original_source/fuzzer/src/corpus.rs (Mutex<HashSet>,
// bincode dump/load) and the teacher's pkg/corpus/prio.go RWMutex-guarded
// container shape.
package corpus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/healer-project/healer/pkg/hash"
	"github.com/healer-project/healer/pkg/target"
)

// Corpus is a deduplicated set of retained Progs, protected by a single
// exclusive guard (spec.md §4.3: "set<Prog> protected by a single
// exclusive guard").
type Corpus struct {
	mu    sync.Mutex
	progs map[hash.Sig]*target.Prog
}

// New returns an empty Corpus.
func New() *Corpus {
	return &Corpus{progs: make(map[hash.Sig]*target.Prog)}
}

// Insert adds p if its hash is not already present, returning whether it
// was newly inserted.
func (c *Corpus) Insert(p *target.Prog) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := p.Hash()
	if _, ok := c.progs[h]; ok {
		return false
	}
	c.progs[h] = p
	return true
}

// Len returns the number of retained programs.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progs)
}

// IsEmpty reports whether the corpus holds no programs.
func (c *Corpus) IsEmpty() bool {
	return c.Len() == 0
}

// Snapshot returns a shallow copy of the retained programs, safe to range
// over without holding the corpus lock.
func (c *Corpus) Snapshot() []*target.Prog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*target.Prog, 0, len(c.progs))
	for _, p := range c.progs {
		out = append(out, p)
	}
	return out
}

// recordMagic guards against loading an unrelated binary blob as a corpus
// dump.
const recordMagic = "HLRC"

// Dump writes the corpus as a length-prefixed sequence of gob-encoded
// Progs to w: a 4-byte magic, then for each program a 4-byte
// little-endian length prefix followed by that many serialized bytes
// (spec.md §4.3: "serialized as a length-prefixed binary blob of a
// vector-of-Prog").
func (c *Corpus) Dump(w io.Writer) error {
	c.mu.Lock()
	progs := make([]*target.Prog, 0, len(c.progs))
	for _, p := range c.progs {
		progs = append(progs, p)
	}
	c.mu.Unlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(recordMagic); err != nil {
		return err
	}
	for _, p := range progs {
		data, err := p.Serialize()
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces the corpus contents with the programs read from r, which
// must be in the format written by Dump.
func (c *Corpus) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	magic := make([]byte, len(recordMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		if err == io.EOF {
			return fmt.Errorf("corpus: empty dump")
		}
		return err
	}
	if string(magic) != recordMagic {
		return fmt.Errorf("corpus: bad magic %q", magic)
	}

	progs := make(map[hash.Sig]*target.Prog)
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(br, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return err
		}
		p, err := target.Deserialize(data)
		if err != nil {
			return err
		}
		progs[p.Hash()] = p
	}

	c.mu.Lock()
	c.progs = progs
	c.mu.Unlock()
	return nil
}

// DumpFile is the os.File convenience wrapper around Dump.
func (c *Corpus) DumpFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Dump(f)
}

// LoadFile is the os.File convenience wrapper around Load. A missing file
// is treated as an empty corpus, matching first-run behavior.
func (c *Corpus) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return c.Load(f)
}
