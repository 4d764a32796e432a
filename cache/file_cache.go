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
	"container/list"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	extObject   = ".o"
	extStderr   = ".stderr"
	extDeps     = ".d"
	extManifest = ".manifest"

	indexFile   = "index"
	stripeCount = 64
	memoSize    = 64
)

// Entry is one cached compile result: the object file, the compiler's
// stderr and the dependency info, all held uncompressed in memory.
type Entry struct {
	Object []byte
	Stderr []byte
	Deps   []byte
}

type indexRecord struct {
	key   Key
	size  int64
	mtime time.Time
}

// FileCache is a content-addressed store of compile results on disk.
// Artifacts live under <root>/<kk>/<ee>/<hash>.{o,stderr,d,manifest} with kk
// and ee the first two hex bytes of the key, keeping directories small.
// Bodies are snappy compressed and written via temp file + rename, so
// entries either exist whole or not at all. A byte-capped LRU index evicts
// the coldest entries; a small in-memory memo short-circuits hot lookups.
//
// Per-key mutual exclusion is striped; the global mutex guards only the
// index. Entry I/O happens outside the index lock.
type FileCache struct {
	root    string
	maxSize int64
	memo    *lru.Cache[Key, *Entry]

	mu    sync.Mutex
	order *list.List // of *indexRecord, oldest at front
	byKey map[Key]*list.Element
	total int64

	stripes [stripeCount]sync.Mutex
}

// New opens (or creates) a cache rooted at root with the given byte cap.
// The index is rebuilt from a directory scan, so entries survive crashes.
func New(root string, maxSize int64) (*FileCache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "create cache root")
	}
	memo, err := lru.New[Key, *Entry](memoSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fc := &FileCache{
		root:    root,
		maxSize: maxSize,
		memo:    memo,
		order:   list.New(),
		byKey:   make(map[Key]*list.Element),
	}
	if err := fc.rebuild(); err != nil {
		return nil, err
	}
	return fc, nil
}

func (fc *FileCache) stripe(k Key) *sync.Mutex {
	return &fc.stripes[int(k[0])%stripeCount]
}

func (fc *FileCache) basePath(k Key) string {
	s := k.String()
	return filepath.Join(fc.root, s[:2], s[2:4], s)
}

// TotalSize is the byte sum of all indexed entries.
func (fc *FileCache) TotalSize() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.total
}

// Lookup returns the entry stored under key, or false on miss.
func (fc *FileCache) Lookup(k Key) (*Entry, bool) {
	fc.mu.Lock()
	elem, ok := fc.byKey[k]
	if ok {
		fc.order.MoveToBack(elem)
	}
	fc.mu.Unlock()
	if !ok {
		return nil, false
	}
	if entry, ok := fc.memo.Get(k); ok {
		return entry, true
	}

	lock := fc.stripe(k)
	lock.Lock()
	defer lock.Unlock()

	base := fc.basePath(k)
	object, err := fc.readPart(base + extObject)
	if err != nil {
		// Evicted or corrupted between index check and read; a miss.
		return nil, false
	}
	entry := &Entry{Object: object}
	entry.Stderr, _ = fc.readPart(base + extStderr)
	entry.Deps, _ = fc.readPart(base + extDeps)
	fc.memo.Add(k, entry)
	return entry, true
}

func (fc *FileCache) readPart(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCompressed(f)
}

// Store writes entry under key atomically and updates the index, evicting
// from the LRU head until the cap holds again. It returns the number of
// bytes evicted to make room.
func (fc *FileCache) Store(k Key, entry *Entry) (evicted int64, err error) {
	lock := fc.stripe(k)
	lock.Lock()

	base := fc.basePath(k)
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		lock.Unlock()
		return 0, errors.Wrap(err, "create cache bucket")
	}
	var size int64
	parts := []struct {
		ext  string
		data []byte
	}{
		{extObject, entry.Object},
		{extStderr, entry.Stderr},
		{extDeps, entry.Deps},
	}
	for _, part := range parts {
		if part.data == nil && part.ext != extObject {
			continue
		}
		n, err := fc.writePart(base+part.ext, part.data)
		if err != nil {
			lock.Unlock()
			return 0, err
		}
		size += n
	}
	fc.memo.Add(k, entry)
	lock.Unlock()

	fc.mu.Lock()
	if elem, ok := fc.byKey[k]; ok {
		rec := elem.Value.(*indexRecord)
		fc.total += size - rec.size
		rec.size = size
		rec.mtime = time.Now()
		fc.order.MoveToBack(elem)
	} else {
		rec := &indexRecord{key: k, size: size, mtime: time.Now()}
		fc.byKey[k] = fc.order.PushBack(rec)
		fc.total += size
	}
	victims := fc.collectVictims()
	fc.mu.Unlock()

	return fc.removeVictims(victims), nil
}

// collectVictims pops LRU-head records until total fits the cap. Caller
// holds fc.mu.
func (fc *FileCache) collectVictims() []*indexRecord {
	var victims []*indexRecord
	for fc.maxSize > 0 && fc.total > fc.maxSize {
		front := fc.order.Front()
		if front == nil {
			break
		}
		rec := front.Value.(*indexRecord)
		fc.order.Remove(front)
		delete(fc.byKey, rec.key)
		fc.total -= rec.size
		victims = append(victims, rec)
	}
	return victims
}

func (fc *FileCache) removeVictims(victims []*indexRecord) (bytes int64) {
	for _, rec := range victims {
		fc.memo.Remove(rec.key)
		base := fc.basePath(rec.key)
		for _, ext := range []string{extObject, extStderr, extDeps} {
			os.Remove(base + ext)
		}
		bytes += rec.size
	}
	return bytes
}

func (fc *FileCache) writePart(path string, data []byte) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, errors.Wrap(err, "create temp entry")
	}
	if err := writeCompressed(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, errors.WithStack(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, errors.Wrap(err, "rename entry into place")
	}
	return info.Size(), nil
}

// Evict removes key from the index and disk, if present.
func (fc *FileCache) Evict(k Key) int64 {
	fc.mu.Lock()
	elem, ok := fc.byKey[k]
	if !ok {
		fc.mu.Unlock()
		return 0
	}
	rec := elem.Value.(*indexRecord)
	fc.order.Remove(elem)
	delete(fc.byKey, k)
	fc.total -= rec.size
	fc.mu.Unlock()
	return fc.removeVictims([]*indexRecord{rec})
}

// LookupManifest reads the manifest stored under the indirect key.
func (fc *FileCache) LookupManifest(k Key) (*Manifest, bool) {
	lock := fc.stripe(k)
	lock.Lock()
	defer lock.Unlock()
	raw, err := os.ReadFile(fc.basePath(k) + extManifest)
	if err != nil {
		return nil, false
	}
	m, err := unmarshalManifest(raw)
	if err != nil {
		// Unreadable manifests are stale by definition.
		os.Remove(fc.basePath(k) + extManifest)
		return nil, false
	}
	return m, true
}

// StoreManifest writes a manifest under the indirect key, atomically.
func (fc *FileCache) StoreManifest(k Key, m *Manifest) error {
	raw, err := m.marshal()
	if err != nil {
		return err
	}
	lock := fc.stripe(k)
	lock.Lock()
	defer lock.Unlock()
	path := fc.basePath(k) + extManifest
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create cache bucket")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp manifest")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename manifest into place")
	}
	return nil
}

// DeleteManifest drops a stale manifest.
func (fc *FileCache) DeleteManifest(k Key) {
	lock := fc.stripe(k)
	lock.Lock()
	defer lock.Unlock()
	os.Remove(fc.basePath(k) + extManifest)
}

// Prune evicts entries and manifests untouched for longer than ttl.
func (fc *FileCache) Prune(ttl time.Duration) (bytes int64) {
	cutoff := time.Now().Add(-ttl)

	fc.mu.Lock()
	var victims []*indexRecord
	for elem := fc.order.Front(); elem != nil; {
		next := elem.Next()
		rec := elem.Value.(*indexRecord)
		if rec.mtime.Before(cutoff) {
			fc.order.Remove(elem)
			delete(fc.byKey, rec.key)
			fc.total -= rec.size
			victims = append(victims, rec)
		}
		elem = next
	}
	fc.mu.Unlock()
	bytes = fc.removeVictims(victims)

	filepath.WalkDir(fc.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != extManifest {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
		return nil
	})
	return bytes
}

// Close persists the LRU index; the next startup uses it to restore
// recency order on top of the directory scan.
func (fc *FileCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	type persisted struct {
		Key   string    `json:"key"`
		Size  int64     `json:"size"`
		Mtime time.Time `json:"mtime"`
	}
	var out []persisted
	for elem := fc.order.Front(); elem != nil; elem = elem.Next() {
		rec := elem.Value.(*indexRecord)
		out = append(out, persisted{Key: rec.key.String(), Size: rec.size, Mtime: rec.mtime})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(fc.root, indexFile), raw, 0644); err != nil {
		logrus.WithError(err).Warn("persist cache index failed")
	}
}

// rebuild scans the directory tree into the index. A persisted index file,
// when present, only contributes recency order; sizes and membership always
// come from the scan.
func (fc *FileCache) rebuild() error {
	records := make(map[Key]*indexRecord)
	err := filepath.WalkDir(fc.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != extObject && ext != extStderr && ext != extDeps {
			return nil
		}
		name := filepath.Base(path)
		k, perr := ParseKey(name[:len(name)-len(ext)])
		if perr != nil {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		rec, ok := records[k]
		if !ok {
			rec = &indexRecord{key: k}
			records[k] = rec
		}
		rec.size += info.Size()
		if info.ModTime().After(rec.mtime) {
			rec.mtime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan cache root")
	}

	ordered := make([]*indexRecord, 0, len(records))
	for _, rec := range records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].mtime.Before(ordered[j].mtime)
	})

	if raw, err := os.ReadFile(filepath.Join(fc.root, indexFile)); err == nil {
		var persisted []struct {
			Key string `json:"key"`
		}
		if json.Unmarshal(raw, &persisted) == nil {
			rank := make(map[Key]int, len(persisted))
			for i, p := range persisted {
				if k, err := ParseKey(p.Key); err == nil {
					rank[k] = i
				}
			}
			sort.SliceStable(ordered, func(i, j int) bool {
				ri, iok := rank[ordered[i].key]
				rj, jok := rank[ordered[j].key]
				if iok && jok {
					return ri < rj
				}
				return !iok && jok
			})
		}
	}

	for _, rec := range ordered {
		fc.byKey[rec.key] = fc.order.PushBack(rec)
		fc.total += rec.size
	}
	return nil
}
