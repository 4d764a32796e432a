// The MIT License (MIT)
//
// Copyright (c) 2019 the dclang authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package cache implements the content-addressed compile-result store: the
// 128-bit keys that name results, the header manifests that let a prior
// result be reused without preprocessing, and the size-bounded on-disk
// FileCache itself.
package cache

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Key is a 128-bit content hash naming one compile result. Equality is byte
// equality.
type Key [16]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(k) {
		return k, errors.Errorf("malformed cache key %q", s)
	}
	copy(k[:], raw)
	return k, nil
}

// NewKey hashes the given byte parts into a Key. Each part is length
// prefixed so that part boundaries cannot alias.
//
// The source bytes are hashed as-is: __DATE__/__TIME__ expansions in
// preprocessed source are NOT stripped, so code using them rehashes every
// build. That matches the upstream behavior; fixing it silently would
// change what a key means.
func NewKey(parts ...[]byte) Key {
	h := murmur3.New128()
	var lenbuf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(part)))
		h.Write(lenbuf[:])
		h.Write(part)
	}
	hi, lo := h.Sum128()
	var k Key
	binary.LittleEndian.PutUint64(k[0:8], hi)
	binary.LittleEndian.PutUint64(k[8:16], lo)
	return k
}

// KeyForSource derives the key for one canonicalized invocation over the
// given source bytes: the fully preprocessed unit in direct mode, the raw
// file in indirect (manifest) mode.
func KeyForSource(compilerID, version string, normalizedFlags []string, source []byte) Key {
	parts := make([][]byte, 0, len(normalizedFlags)+3)
	parts = append(parts, []byte(compilerID), []byte(version))
	for _, f := range normalizedFlags {
		parts = append(parts, []byte(f))
	}
	parts = append(parts, source)
	return NewKey(parts...)
}
