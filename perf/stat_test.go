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

package perf

import (
	"sync"
	"testing"
)

func TestAddAndDump(t *testing.T) {
	s := new(StatService)
	s.Add(RemoteOK, 2)
	s.Add(RemoteOK, 3)
	s.Add(CacheMiss, 1)

	if got := s.Get(RemoteOK); got != 5 {
		t.Fatalf("remote_ok = %d, want 5", got)
	}
	dump := s.Dump()
	if dump["remote_ok"] != 5 || dump["cache_miss"] != 1 {
		t.Fatalf("dump = %v", dump)
	}
	if _, ok := dump["local_compiles"]; !ok {
		t.Fatalf("dump misses zero-valued counters")
	}
}

func TestMerge(t *testing.T) {
	s := new(StatService)
	s.Add(CacheHitDirect, 1)
	s.Merge(map[string]uint64{
		"cache_hit_direct": 4,
		"not_a_counter":    99,
	})
	if got := s.Get(CacheHitDirect); got != 5 {
		t.Fatalf("cache_hit_direct = %d, want 5", got)
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := new(StatService)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Add(LocalCompiles, 1)
			}
		}()
	}
	wg.Wait()
	if got := s.Get(LocalCompiles); got != 8000 {
		t.Fatalf("local_compiles = %d, want 8000", got)
	}
}
