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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testKey(i int) Key {
	return NewKey([]byte(fmt.Sprintf("key-%d", i)))
}

func TestStoreLookupRoundTrip(t *testing.T) {
	fc, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k := testKey(1)
	in := &Entry{
		Object: bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 100),
		Stderr: []byte("warning: something\n"),
		Deps:   []byte("unit.o: unit.c hdr.h\n"),
	}
	if _, err := fc.Store(k, in); err != nil {
		t.Fatalf("Store: %v", err)
	}

	out, ok := fc.Lookup(k)
	if !ok {
		t.Fatalf("lookup missed a stored key")
	}
	if !bytes.Equal(out.Object, in.Object) || !bytes.Equal(out.Stderr, in.Stderr) || !bytes.Equal(out.Deps, in.Deps) {
		t.Fatalf("entry mismatch after round trip")
	}

	// The memo must not mask the disk copy: drop it and read again.
	fc.memo.Purge()
	out, ok = fc.Lookup(k)
	if !ok || !bytes.Equal(out.Object, in.Object) {
		t.Fatalf("disk copy mismatch")
	}
}

func TestLookupMiss(t *testing.T) {
	fc, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := fc.Lookup(testKey(404)); ok {
		t.Fatalf("lookup hit on an empty cache")
	}
}

func TestEvictionKeepsTotalUnderCap(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Measure one entry's on-disk size, then cap the cache at three.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64)
	if _, err := fc.Store(testKey(0), &Entry{Object: payload}); err != nil {
		t.Fatalf("Store probe: %v", err)
	}
	entrySize := fc.TotalSize()
	if entrySize == 0 {
		t.Fatalf("probe entry has zero size")
	}

	fc2, err := New(t.TempDir(), 3*entrySize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := fc2.Store(testKey(i), &Entry{Object: payload}); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	if _, ok := fc2.Lookup(testKey(1)); ok {
		t.Fatalf("oldest entry survived eviction")
	}
	for i := 2; i <= 4; i++ {
		if _, ok := fc2.Lookup(testKey(i)); !ok {
			t.Fatalf("entry %d was evicted, want only the oldest gone", i)
		}
	}
	if got := fc2.TotalSize(); got != 3*entrySize {
		t.Fatalf("total size = %d, want %d", got, 3*entrySize)
	}
}

func TestIndexMatchesDiskAfterEviction(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := bytes.Repeat([]byte("x"), 512)
	fc.Store(testKey(0), &Entry{Object: payload})
	size := fc.TotalSize()

	fc2root := t.TempDir()
	fc2, err := New(fc2root, 2*size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		fc2.Store(testKey(i), &Entry{Object: payload})
	}

	var onDisk int
	filepath.Walk(fc2root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, extObject) {
			onDisk++
		}
		return nil
	})
	if onDisk != 2 {
		t.Fatalf("%d objects on disk, index says 2", onDisk)
	}
}

func TestRebuildFromScan(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k := testKey(7)
	in := &Entry{Object: []byte("persisted object"), Stderr: []byte("persisted stderr")}
	if _, err := fc.Store(k, in); err != nil {
		t.Fatalf("Store: %v", err)
	}
	before := fc.TotalSize()
	fc.Close()

	// A fresh instance over the same root sees the entry again.
	fc2, err := New(root, 1<<20)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := fc2.TotalSize(); got != before {
		t.Fatalf("rebuilt total = %d, want %d", got, before)
	}
	out, ok := fc2.Lookup(k)
	if !ok || !bytes.Equal(out.Object, in.Object) || !bytes.Equal(out.Stderr, in.Stderr) {
		t.Fatalf("entry lost across restart")
	}
}

func TestManifestStoreLookupDelete(t *testing.T) {
	fc, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	indirect := testKey(100)
	m := &Manifest{ObjectKey: testKey(101).String()}
	if err := fc.StoreManifest(indirect, m); err != nil {
		t.Fatalf("StoreManifest: %v", err)
	}
	got, ok := fc.LookupManifest(indirect)
	if !ok || got.ObjectKey != m.ObjectKey {
		t.Fatalf("manifest lookup = (%+v, %v)", got, ok)
	}
	fc.DeleteManifest(indirect)
	if _, ok := fc.LookupManifest(indirect); ok {
		t.Fatalf("manifest survived delete")
	}
}

func TestConcurrentStoreLookup(t *testing.T) {
	fc, err := New(t.TempDir(), 1<<30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				k := testKey(g*100 + i)
				body := []byte(fmt.Sprintf("object-%d-%d", g, i))
				if _, err := fc.Store(k, &Entry{Object: body}); err != nil {
					t.Errorf("Store: %v", err)
					return
				}
				out, ok := fc.Lookup(k)
				if !ok || !bytes.Equal(out.Object, body) {
					t.Errorf("lookup after store mismatch for %v", k)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestPruneReclaimsOldEntries(t *testing.T) {
	fc, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fc.Store(testKey(1), &Entry{Object: []byte("old")})
	if bytes := fc.Prune(0); bytes == 0 {
		t.Fatalf("prune with zero ttl reclaimed nothing")
	}
	if _, ok := fc.Lookup(testKey(1)); ok {
		t.Fatalf("entry survived prune")
	}
}
