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

// Package perf is the metrics sink: a fixed array of atomic counters with
// no locks on the hot path.
package perf

import "sync/atomic"

type Metric int

const (
	CacheHitDirect Metric = iota
	CacheHitManifest
	CacheMiss
	CacheStored
	CacheEvictedBytes
	RemoteOK
	RemoteOverloaded
	RemoteFailed
	LocalCompiles
	PreprocessFailed
	TasksRejected
	metricCount
)

var metricNames = [metricCount]string{
	CacheHitDirect:    "cache_hit_direct",
	CacheHitManifest:  "cache_hit_manifest",
	CacheMiss:         "cache_miss",
	CacheStored:       "cache_stored",
	CacheEvictedBytes: "cache_evicted_bytes",
	RemoteOK:          "remote_ok",
	RemoteOverloaded:  "remote_overloaded",
	RemoteFailed:      "remote_failed",
	LocalCompiles:     "local_compiles",
	PreprocessFailed:  "preprocess_failed",
	TasksRejected:     "tasks_rejected",
}

func (m Metric) String() string {
	if m >= 0 && m < metricCount {
		return metricNames[m]
	}
	return "unknown"
}

// StatService aggregates counters. The zero value is ready to use.
type StatService struct {
	counters [metricCount]atomic.Uint64
}

func (s *StatService) Add(m Metric, v uint64) {
	if m >= 0 && m < metricCount {
		s.counters[m].Add(v)
	}
}

func (s *StatService) Get(m Metric) uint64 {
	if m >= 0 && m < metricCount {
		return s.counters[m].Load()
	}
	return 0
}

// Dump snapshots every counter by name.
func (s *StatService) Dump() map[string]uint64 {
	out := make(map[string]uint64, metricCount)
	for m := Metric(0); m < metricCount; m++ {
		out[metricNames[m]] = s.counters[m].Load()
	}
	return out
}

// Merge folds a dumped snapshot into this service, for the collector role.
func (s *StatService) Merge(counters map[string]uint64) {
	for m := Metric(0); m < metricCount; m++ {
		if v, ok := counters[metricNames[m]]; ok {
			s.counters[m].Add(v)
		}
	}
}

// Default is the process-wide sink behind the STAT convenience.
var Default StatService

// STAT bumps a counter on the process-wide service.
func STAT(m Metric, v uint64) {
	Default.Add(m, v)
}
