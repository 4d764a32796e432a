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
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// ProcessResult carries the captured outcome of one subprocess run. ExitCode
// is the raw compiler exit status and passes through to the client verbatim.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports a zero exit.
func (r *ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// RunProcess spawns executable with args, cwd and environment, feeds stdin
// (may be nil) and captures both output streams. When uid is nonzero the
// child drops to that uid before exec. A non-zero exit status is not an
// error; it is reported through ProcessResult.ExitCode. The returned error
// covers spawn failures only.
func RunProcess(ctx context.Context, executable string, args, env []string, cwd string, stdin []byte, uid uint32) (*ProcessResult, error) {
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if uid != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uid, Gid: uid},
		}
	}

	err := cmd.Run()
	result := &ProcessResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "run "+executable)
	}
	return nil, errors.Wrap(err, "run "+executable)
}
