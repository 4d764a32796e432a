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
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

// Configuration is the shared daemon configuration. Flags fill it first,
// then a JSON config file (-c) overrides the flags, the same precedence the
// CLI help documents.
type Configuration struct {
	SocketPath   string `json:"socket_path"`
	ClangPath    string `json:"clang_path"`
	ClangVersion string `json:"clang_version"`

	Cache struct {
		Path           string `json:"path"`
		Size           int64  `json:"size"`
		Direct         bool   `json:"direct"`
		CleanPeriodSec int    `json:"clean_period_sec"`
	} `json:"cache"`

	Emitter struct {
		Remotes       []proto.Host `json:"remotes"`
		LocalJobs     int          `json:"local_jobs"`
		Coordinator   string       `json:"coordinator"`
		Collector     string       `json:"collector"`
		PollPeriodSec int          `json:"poll_period_sec"`
	} `json:"emitter"`

	Absorber struct {
		Local       string `json:"local"`
		Threads     int    `json:"threads"`
		QueueFactor int    `json:"queue_factor"`
		RunAsUID    uint32 `json:"run_as_uid"`
	} `json:"absorber"`

	Coordinator struct {
		Local string `json:"local"`
	} `json:"coordinator"`

	Collector struct {
		Local string `json:"local"`
	} `json:"collector"`

	ReadTimeoutSec    int  `json:"read_timeout"`
	SendTimeoutSec    int  `json:"send_timeout"`
	ReadMinimum       int  `json:"read_minimum"`
	Compress          bool `json:"compress"`
	MaxRemoteAttempts int  `json:"max_remote_attempts"`

	Log struct {
		Levels    string `json:"levels"`
		ErrorMark string `json:"error_mark"`
	} `json:"log"`
}

const (
	// DefaultSocketPath is where the local daemon listens.
	DefaultSocketPath = "/tmp/clangd.socket"
	// TempDirPrefix names ephemeral compile directories under /tmp.
	TempDirPrefix = "clangd"

	defaultCacheSize   = 10 << 30
	defaultCleanPeriod = 600
	defaultEntryTTL    = 7 * 24 * time.Hour
	defaultQueueFactor = 2
	defaultAttempts    = 2
	defaultPollPeriod  = 60
)

// DefaultConfiguration fills every knob the daemons understand.
func DefaultConfiguration() Configuration {
	var c Configuration
	c.SocketPath = DefaultSocketPath
	c.ClangPath = "clang"
	c.Cache.Size = defaultCacheSize
	c.Cache.CleanPeriodSec = defaultCleanPeriod
	c.Emitter.LocalJobs = runtime.NumCPU()
	c.Emitter.PollPeriodSec = defaultPollPeriod
	c.Absorber.Threads = runtime.NumCPU()
	c.Absorber.QueueFactor = defaultQueueFactor
	c.ReadTimeoutSec = 60
	c.SendTimeoutSec = 5
	c.ReadMinimum = 0
	c.MaxRemoteAttempts = defaultAttempts
	c.Log.Levels = "info"
	c.Log.ErrorMark = "error"
	return c
}

// LoadJSON overrides the configuration from a JSON file.
func (c *Configuration) LoadJSON(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open config")
	}
	defer file.Close()
	return errors.Wrap(json.NewDecoder(file).Decode(c), "parse config")
}

// Validate rejects configurations the daemons cannot start with.
func (c *Configuration) Validate() error {
	if c.Emitter.LocalJobs < 1 {
		return errors.New("emitter.local_jobs must be positive")
	}
	if c.Absorber.Threads < 1 {
		return errors.New("absorber.threads must be positive")
	}
	if c.MaxRemoteAttempts < 1 {
		return errors.New("max_remote_attempts must be positive")
	}
	if c.Cache.Path != "" && c.Cache.Size <= 0 {
		return errors.New("cache.size must be positive")
	}
	return nil
}

// ConnConfig renders the connection tuning knobs.
func (c *Configuration) ConnConfig() transport.Config {
	return transport.Config{
		ReadTimeout:  time.Duration(c.ReadTimeoutSec) * time.Second,
		SendTimeout:  time.Duration(c.SendTimeoutSec) * time.Second,
		ReadMinBytes: c.ReadMinimum,
	}
}

// DiscoverCompiler fills ClangVersion by asking the driver, unless the
// configuration pinned one.
func (c *Configuration) DiscoverCompiler(ctx context.Context) error {
	if c.ClangVersion != "" {
		return nil
	}
	res, err := base.RunProcess(ctx, c.ClangPath, []string{"--version"}, nil, "", nil, 0)
	if err != nil {
		return errors.Wrap(err, "discover compiler version")
	}
	if !res.Success() {
		return errors.Errorf("%s --version exited %d", c.ClangPath, res.ExitCode)
	}
	line := string(res.Stdout)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	c.ClangVersion = strings.TrimSpace(line)
	if c.ClangVersion == "" {
		return errors.Errorf("%s --version printed nothing", c.ClangPath)
	}
	return nil
}
