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

package base

import (
	"bytes"
	"context"
	"testing"
)

func TestRunProcessCaptures(t *testing.T) {
	res, err := RunProcess(context.Background(), "/bin/sh",
		[]string{"-c", "echo out; echo err 1>&2"}, nil, "", nil, 0)
	if err != nil {
		t.Fatalf("RunProcess: %v", err)
	}
	if !res.Success() {
		t.Fatalf("exit code %d, want 0", res.ExitCode)
	}
	if !bytes.Equal(res.Stdout, []byte("out\n")) {
		t.Fatalf("stdout %q", res.Stdout)
	}
	if !bytes.Equal(res.Stderr, []byte("err\n")) {
		t.Fatalf("stderr %q", res.Stderr)
	}
}

func TestRunProcessExitCodePassesThrough(t *testing.T) {
	res, err := RunProcess(context.Background(), "/bin/sh",
		[]string{"-c", "exit 42"}, nil, "", nil, 0)
	if err != nil {
		t.Fatalf("RunProcess: %v", err)
	}
	if res.ExitCode != 42 {
		t.Fatalf("exit code %d, want 42", res.ExitCode)
	}
}

func TestRunProcessStdinAndCwd(t *testing.T) {
	dir := t.TempDir()
	res, err := RunProcess(context.Background(), "/bin/sh",
		[]string{"-c", "cat > copied; pwd"}, nil, dir, []byte("unit body"), 0)
	if err != nil {
		t.Fatalf("RunProcess: %v", err)
	}
	if !res.Success() {
		t.Fatalf("exit code %d: %s", res.ExitCode, res.Stderr)
	}
}

func TestRunProcessSpawnFailure(t *testing.T) {
	if _, err := RunProcess(context.Background(), "/no/such/binary", nil, nil, "", nil, 0); err == nil {
		t.Fatalf("expected spawn error")
	}
}
