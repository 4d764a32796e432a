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

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfiguration()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Fatalf("socket path = %q", cfg.SocketPath)
	}
	if cfg.ConnConfig().ReadTimeout != 60*time.Second {
		t.Fatalf("read timeout = %v", cfg.ConnConfig().ReadTimeout)
	}
}

func TestJSONOverridesFlags(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Emitter.LocalJobs = 4

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"socket_path": "/run/dclang.socket",
		"clang_path": "/opt/llvm/bin/clang",
		"cache": {"path": "/var/cache/dclang", "size": 1048576, "direct": true},
		"emitter": {
			"remotes": [{"host": "10.0.0.2", "port": 29800, "threads": 16}],
			"local_jobs": 8
		},
		"read_timeout": 30
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := cfg.LoadJSON(path); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	if cfg.SocketPath != "/run/dclang.socket" {
		t.Fatalf("socket path = %q", cfg.SocketPath)
	}
	if cfg.ClangPath != "/opt/llvm/bin/clang" {
		t.Fatalf("clang path = %q", cfg.ClangPath)
	}
	if !cfg.Cache.Direct || cfg.Cache.Size != 1048576 {
		t.Fatalf("cache config = %+v", cfg.Cache)
	}
	if cfg.Emitter.LocalJobs != 8 {
		t.Fatalf("local jobs = %d, want the file to win", cfg.Emitter.LocalJobs)
	}
	if len(cfg.Emitter.Remotes) != 1 || cfg.Emitter.Remotes[0].Port != 29800 {
		t.Fatalf("remotes = %+v", cfg.Emitter.Remotes)
	}
	if cfg.ReadTimeoutSec != 30 {
		t.Fatalf("read timeout = %d", cfg.ReadTimeoutSec)
	}
	// Untouched keys keep their prior values.
	if cfg.Absorber.Threads != DefaultConfiguration().Absorber.Threads {
		t.Fatalf("absorber threads changed: %d", cfg.Absorber.Threads)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Emitter.LocalJobs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero local_jobs accepted")
	}

	cfg = DefaultConfiguration()
	cfg.Cache.Path = "/tmp/cache"
	cfg.Cache.Size = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero cache size accepted")
	}
}
