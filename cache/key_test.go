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

import "testing"

func TestKeyDeterministic(t *testing.T) {
	flags := []string{"-O2", "-std=c++17"}
	source := []byte("int f();\n")
	a := KeyForSource("clang", "17.0.1", flags, source)
	b := KeyForSource("clang", "17.0.1", flags, source)
	if a != b {
		t.Fatalf("same inputs hashed differently: %v vs %v", a, b)
	}
}

func TestKeySensitivity(t *testing.T) {
	source := []byte("int f();\n")
	base := KeyForSource("clang", "17.0.1", []string{"-O2"}, source)

	if k := KeyForSource("clang", "17.0.2", []string{"-O2"}, source); k == base {
		t.Fatalf("version change did not change the key")
	}
	if k := KeyForSource("clang", "17.0.1", []string{"-O3"}, source); k == base {
		t.Fatalf("flag change did not change the key")
	}
	if k := KeyForSource("clang", "17.0.1", []string{"-O2"}, []byte("int g();\n")); k == base {
		t.Fatalf("source change did not change the key")
	}
}

func TestKeyPartBoundaries(t *testing.T) {
	// "ab"+"c" must not alias "a"+"bc".
	a := NewKey([]byte("ab"), []byte("c"))
	b := NewKey([]byte("a"), []byte("bc"))
	if a == b {
		t.Fatalf("part boundaries alias")
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	k := NewKey([]byte("payload"))
	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != k {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, k)
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Fatalf("malformed key was accepted")
	}
}
