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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const ownerFile = ".owner"

// TempDir is an ephemeral working directory for one compile task. The
// directory records the owning PID so that directories orphaned by a killed
// process can be reaped on the next startup.
type TempDir struct {
	Path string
}

// NewTempDir creates a fresh directory under root (os.TempDir when empty)
// named prefix-XXXXXX.
func NewTempDir(root, prefix string) (*TempDir, error) {
	if root == "" {
		root = os.TempDir()
	}
	path, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return nil, errors.Wrap(err, "create temporary dir")
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(filepath.Join(path, ownerFile), []byte(pid), 0644); err != nil {
		os.RemoveAll(path)
		return nil, errors.Wrap(err, "mark temporary dir owner")
	}
	return &TempDir{Path: path}, nil
}

// Close removes the directory and everything beneath it.
func (d *TempDir) Close() error {
	if d.Path == "" {
		return nil
	}
	path := d.Path
	d.Path = ""
	return errors.Wrap(os.RemoveAll(path), "remove temporary dir")
}

// ReapStaleDirs removes prefix-* directories under root whose owning process
// no longer exists. Directories without an owner mark are left alone.
func ReapStaleDirs(root, prefix string) (removed int, err error) {
	if root == "" {
		root = os.TempDir()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, errors.Wrap(err, "scan temporary root")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix+"-") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		raw, err := os.ReadFile(filepath.Join(dir, ownerFile))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pid == os.Getpid() {
			continue
		}
		if processAlive(pid) {
			continue
		}
		if os.RemoveAll(dir) == nil {
			removed++
		}
	}
	return removed, nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
