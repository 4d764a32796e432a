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
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/dclang/dclang/cache"
	"github.com/dclang/dclang/daemon"
	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "dclang-emitter"
	myApp.Usage = "local compilation daemon"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "socket,s",
			Value:  daemon.DefaultSocketPath,
			Usage:  "unix socket the local daemon listens on",
			EnvVar: "DC_SOCKET_PATH",
		},
		cli.StringFlag{
			Name:   "clang-path",
			Value:  "clang",
			Usage:  "compiler driver to front",
			EnvVar: "DC_CLANG_PATH",
		},
		cli.StringFlag{
			Name:   "clang-version",
			Value:  "",
			Usage:  "pin the driver version instead of discovering it",
			EnvVar: "DC_CLANG_VERSION",
		},
		cli.StringFlag{
			Name:  "cache-path",
			Value: "",
			Usage: "object cache root, empty to disable caching",
		},
		cli.Int64Flag{
			Name:  "cache-size",
			Value: 10 << 30,
			Usage: "object cache byte cap",
		},
		cli.BoolFlag{
			Name:  "cache-direct",
			Usage: "enable direct-mode lookup over preprocessed source",
		},
		cli.IntFlag{
			Name:  "cache-clean-period",
			Value: 600,
			Usage: "seconds between cache prune passes",
		},
		cli.StringSliceFlag{
			Name:  "remote,r",
			Usage: `absorber address, eg: "10.0.0.2:29800", repeatable`,
		},
		cli.StringFlag{
			Name:  "coordinator",
			Value: "",
			Usage: "coordinator address to poll for the remote list",
		},
		cli.StringFlag{
			Name:  "collector",
			Value: "",
			Usage: "collector address to push counters to",
		},
		cli.IntFlag{
			Name:  "local-jobs,j",
			Value: daemon.DefaultConfiguration().Emitter.LocalJobs,
			Usage: "concurrent local compiles",
		},
		cli.IntFlag{
			Name:  "remote-attempts",
			Value: 2,
			Usage: "remote attempts per request before compiling locally",
		},
		cli.IntFlag{
			Name:  "read-timeout",
			Value: 60,
			Usage: "per-connection read timeout in seconds",
		},
		cli.IntFlag{
			Name:  "send-timeout",
			Value: 5,
			Usage: "per-connection send timeout in seconds",
		},
		cli.IntFlag{
			Name:  "read-minimum",
			Value: 0,
			Usage: "coalesce reads below this many bytes",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable message compression",
		},
		cli.StringFlag{
			Name:   "log-levels",
			Value:  "info",
			Usage:  "severity threshold: debug, info, warning, error",
			EnvVar: "DC_LOG_LEVELS",
		},
		cli.StringFlag{
			Name:   "log-error-mark",
			Value:  "error",
			Usage:  "severity mirrored to stderr regardless of the log sink",
			EnvVar: "DC_LOG_ERROR_MARK",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		cfg, err := configFromContext(c)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		var sink *os.File
		if path := c.String("log"); path != "" {
			sink, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			defer sink.Close()
		}
		if err := daemon.SetupLogging(cfg.Log.Levels, cfg.Log.ErrorMark, sink); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		logrus.WithField("version", VERSION).Info("dclang emitter")
		logrus.Info("socket: ", cfg.SocketPath)
		logrus.Info("clang: ", cfg.ClangPath)
		logrus.Info("cache: ", cfg.Cache.Path)
		logrus.Info("cache size: ", cfg.Cache.Size)
		logrus.Info("direct mode: ", cfg.Cache.Direct)
		logrus.Info("remotes: ", len(cfg.Emitter.Remotes))
		logrus.Info("coordinator: ", cfg.Emitter.Coordinator)
		logrus.Info("local jobs: ", cfg.Emitter.LocalJobs)
		logrus.Info("compression: ", cfg.Compress)

		if len(cfg.Emitter.Remotes) == 0 && cfg.Emitter.Coordinator == "" {
			color.Yellow("WARNING: no remotes and no coordinator configured, every compile runs locally.")
		}
		if cfg.Cache.Path == "" {
			color.Yellow("WARNING: caching disabled, identical compiles will repeat.")
		}

		var store *cache.FileCache
		if cfg.Cache.Path != "" {
			store, err = cache.New(cfg.Cache.Path, cfg.Cache.Size)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
		}

		svc, err := daemon.NewNetworkService(cfg)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		emitter := daemon.NewEmitter(cfg, svc, store, &perf.Default)
		if err := emitter.Initialize(); err != nil {
			svc.Shutdown()
			return cli.NewExitError(err.Error(), 1)
		}

		if store != nil && cfg.Cache.CleanPeriodSec > 0 {
			go pruneLoop(store, cfg.Cache.CleanPeriodSec)
		}

		code := waitForSignal()
		emitter.Shutdown()
		svc.Shutdown()
		if code != 0 {
			os.Exit(code)
		}
		return nil
	}
	if err := myApp.Run(os.Args); err != nil {
		logrus.Errorf("%+v", err)
		os.Exit(1)
	}
}

// waitForSignal blocks on termination signals and dumps counters on
// SIGUSR1. Returns the exit code: 2 when killed by a signal.
func waitForSignal() int {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)
	for {
		switch <-ch {
		case syscall.SIGUSR1:
			logrus.Infof("STAT: %+v", perf.Default.Dump())
		default:
			return 2
		}
	}
}

// pruneLoop periodically reclaims entries that have not been touched for a
// week.
func pruneLoop(store *cache.FileCache, periodSec int) {
	const entryTTL = 7 * 24 * time.Hour
	ticker := time.NewTicker(time.Duration(periodSec) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if bytes := store.Prune(entryTTL); bytes > 0 {
			logrus.WithField("bytes", bytes).Info("cache pruned")
		}
	}
}

func parseRemote(addr string) (proto.Host, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return proto.Host{}, errors.Wrap(err, "parse remote "+addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return proto.Host{}, errors.Wrap(err, "parse remote port "+addr)
	}
	return proto.Host{Host: host, Port: p}, nil
}
