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

// Package command models one upstream compiler driver invocation in a
// canonical form: the action it performs, its inputs and output, and its
// flags sorted into semantic buckets. The canonical form feeds both the
// cache key derivation and the eventual subprocess spawn.
package command

type Action int

const (
	// Unknown invocations bypass the pipeline entirely.
	Unknown Action = iota
	// Compile is a single-input -c invocation, the only cacheable action.
	Compile
	// Link runs locally and is never cached.
	Link
)

func (a Action) String() string {
	switch a {
	case Compile:
		return "compile"
	case Link:
		return "link"
	}
	return "unknown"
}

// Flags holds the invocation's non-positional arguments bucketed by what
// they affect. Include and define order is preserved: both are semantically
// significant (later -D wins, include search order matters).
type Flags struct {
	IncludeDirs  []string
	Defines      []string
	Standard     string
	Optimization string
	Debug        []string
	Target       string
	CodeGen      []string
	// Unused flags do not affect codegen (warning and diagnostics knobs).
	// They are kept for the spawn projection and dropped from the cache-key
	// projection.
	Unused []string
	Other  []string
}

// Command is an immutable canonicalized compiler invocation.
type Command struct {
	Action     Action
	Executable string
	Cwd        string
	Args       []string // original argv, minus argv[0]
	Env        []string
	Inputs     []string
	Output     string
	DepsFile   string
	Language   string
	Flags      Flags
}
