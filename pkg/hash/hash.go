// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash provides the content hash used as corpus/dedup key
// material, grounded on real syzkaller's own pkg/hash (hash.Hash(data),
// used e.g. by pkg/fuzzer/job.go's corpus.Save(... hash.Hash(data))).
package hash

import "crypto/sha1" //nolint:gosec // content-addressing, not a security boundary

// Sig is a content hash of serialized program bytes.
type Sig [sha1.Size]byte

// Hash returns the content hash of data.
func Hash(data []byte) Sig {
	return Sig(sha1.Sum(data))
}

// String renders the hash as the syzkaller-style hex string.
func (s Sig) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(s)*2)
	for i, b := range s {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}
