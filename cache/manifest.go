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

package cache

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ManifestHeader records one header consulted during preprocessing together
// with the content hash it had.
type ManifestHeader struct {
	Path string `json:"path"`
	Hash uint64 `json:"hash"`
}

// Manifest maps an indirect key (raw source + flags) to the direct key of a
// previously stored object. It is valid only while every listed header still
// hashes the same on disk; validity means the object is reusable without
// running the preprocessor.
type Manifest struct {
	Headers    []ManifestHeader `json:"headers"`
	ObjectKey  string           `json:"object_key"`
	ExtraFiles []string         `json:"extra_files,omitempty"`
}

// HashFile content-hashes one file the way manifests record headers.
func HashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open "+path)
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errors.Wrap(err, "hash "+path)
	}
	return h.Sum64(), nil
}

// NewManifest hashes every header path and records objectKey.
func NewManifest(objectKey Key, headerPaths []string) (*Manifest, error) {
	m := &Manifest{ObjectKey: objectKey.String()}
	for _, path := range headerPaths {
		sum, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		m.Headers = append(m.Headers, ManifestHeader{Path: path, Hash: sum})
	}
	return m, nil
}

// Object returns the direct key the manifest points at.
func (m *Manifest) Object() (Key, error) {
	return ParseKey(m.ObjectKey)
}

// Valid re-hashes every listed header. Any missing or changed header makes
// the manifest stale.
func (m *Manifest) Valid() bool {
	for _, h := range m.Headers {
		sum, err := HashFile(h.Path)
		if err != nil || sum != h.Hash {
			return false
		}
	}
	return true
}

func (m *Manifest) marshal() ([]byte, error) {
	raw, err := json.Marshal(m)
	return raw, errors.WithStack(err)
}

func unmarshalManifest(raw []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.WithStack(err)
	}
	return m, nil
}

// ParseDepFile extracts the dependency paths from a Make-style .d file
// emitted by the driver: "target: dep dep \\\n dep". The first entry (the
// source file itself) is kept; the caller decides what to hash.
func ParseDepFile(raw []byte) []string {
	text := strings.ReplaceAll(string(raw), "\\\n", " ")
	text = strings.ReplaceAll(text, "\\\r\n", " ")
	if idx := strings.IndexByte(text, ':'); idx >= 0 {
		text = text[idx+1:]
	}
	var deps []string
	for _, field := range strings.Fields(text) {
		if field == "\\" {
			continue
		}
		deps = append(deps, strings.ReplaceAll(field, "\\ ", " "))
	}
	return deps
}
