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

package main

import (
	"github.com/urfave/cli"

	"github.com/dclang/dclang/daemon"
)

func configFromContext(c *cli.Context) (daemon.Configuration, error) {
	cfg := daemon.DefaultConfiguration()
	cfg.ClangPath = c.String("clang-path")
	cfg.ClangVersion = c.String("clang-version")
	cfg.Absorber.Local = c.String("listen")
	cfg.Absorber.Threads = c.Int("threads")
	cfg.Absorber.QueueFactor = c.Int("queue-factor")
	cfg.Absorber.RunAsUID = uint32(c.Uint("run-as-uid"))
	cfg.Coordinator.Local = c.String("listen")
	cfg.Collector.Local = c.String("listen")
	cfg.ReadTimeoutSec = c.Int("read-timeout")
	cfg.SendTimeoutSec = c.Int("send-timeout")
	cfg.ReadMinimum = c.Int("read-minimum")
	cfg.Compress = !c.Bool("nocomp")
	cfg.Log.Levels = c.String("log-levels")
	cfg.Log.ErrorMark = c.String("log-error-mark")

	for _, addr := range c.StringSlice("remote") {
		host, err := parseRemote(addr)
		if err != nil {
			return cfg, err
		}
		cfg.Emitter.Remotes = append(cfg.Emitter.Remotes, host)
	}

	if path := c.String("c"); path != "" {
		if err := cfg.LoadJSON(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}
