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

package proto

import (
	"bytes"
	"reflect"
	"testing"
)

func TestExecuteRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		in := &Execute{
			Executable: "clang",
			Version:    "clang version 17.0.1",
			Args:       []string{"-O2", "-std=c++17"},
			Cwd:        "/src",
			Language:   "c++-cpp-output",
			Source:     bytes.Repeat([]byte("int main() { return 0; }\n"), 64),
		}
		body, err := Encode(KindExecute, in, compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v): %v", compress, err)
		}
		kind, payload, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode(compress=%v): %v", compress, err)
		}
		if kind != KindExecute {
			t.Fatalf("kind = %v, want Execute", kind)
		}
		out := new(Execute)
		if err := Unmarshal(payload, out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	in := &Result{
		Object:   []byte{0x7f, 'E', 'L', 'F', 0, 1, 2},
		Deps:     []byte("unit.o: unit.i\n"),
		Stderr:   []byte("warning: unused variable\n"),
		ExitCode: 1,
	}
	body, err := Encode(KindResult, in, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	kind, payload, err := Decode(body)
	if err != nil || kind != KindResult {
		t.Fatalf("Decode = (%v, %v)", kind, err)
	}
	out := new(Result)
	if err := Unmarshal(payload, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestEmptyKindsRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindOverloaded, KindPing, KindPong} {
		body, err := Encode(kind, nil, false)
		if err != nil {
			t.Fatalf("Encode(%v): %v", kind, err)
		}
		if len(body) != 1 {
			t.Fatalf("empty message body has %d bytes", len(body))
		}
		got, payload, err := Decode(body)
		if err != nil || got != kind || len(payload) != 0 {
			t.Fatalf("Decode(%v) = (%v, %q, %v)", kind, got, payload, err)
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, _, err := Decode([]byte{0x7f}); err == nil {
		t.Fatalf("unknown kind was accepted")
	}
	if _, _, err := Decode(nil); err == nil {
		t.Fatalf("empty body was accepted")
	}
	if _, err := Encode(Kind(99), nil, false); err == nil {
		t.Fatalf("Encode accepted unknown kind")
	}
}

func TestHostsAndStatsRoundTrip(t *testing.T) {
	hosts := &Hosts{Remotes: []Host{{Host: "10.0.0.2", Port: 29800, Threads: 16}}}
	body, _ := Encode(KindHosts, hosts, false)
	kind, payload, err := Decode(body)
	if err != nil || kind != KindHosts {
		t.Fatalf("Decode = (%v, %v)", kind, err)
	}
	outHosts := new(Hosts)
	if err := Unmarshal(payload, outHosts); err != nil || !reflect.DeepEqual(hosts, outHosts) {
		t.Fatalf("hosts mismatch: %+v vs %+v (%v)", hosts, outHosts, err)
	}

	stats := &Stats{From: "devbox", Counters: map[string]uint64{"cache_miss": 3}}
	body, _ = Encode(KindStats, stats, true)
	kind, payload, err = Decode(body)
	if err != nil || kind != KindStats {
		t.Fatalf("Decode = (%v, %v)", kind, err)
	}
	outStats := new(Stats)
	if err := Unmarshal(payload, outStats); err != nil || !reflect.DeepEqual(stats, outStats) {
		t.Fatalf("stats mismatch: %+v vs %+v (%v)", stats, outStats, err)
	}
}
