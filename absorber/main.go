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

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/dclang/dclang/daemon"
	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "dclang-absorber"
	myApp.Usage = "remote compilation daemon"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":29800",
			Usage: `listen address, eg: "IP:29800", or path/to/unix_socket`,
		},
		cli.StringFlag{
			Name:  "role",
			Value: "absorber",
			Usage: "daemon role: absorber, coordinator, collector",
		},
		cli.StringFlag{
			Name:   "clang-path",
			Value:  "clang",
			Usage:  "compiler driver to run",
			EnvVar: "DC_CLANG_PATH",
		},
		cli.StringFlag{
			Name:   "clang-version",
			Value:  "",
			Usage:  "pin the driver version instead of discovering it",
			EnvVar: "DC_CLANG_VERSION",
		},
		cli.IntFlag{
			Name:  "threads,t",
			Value: daemon.DefaultConfiguration().Absorber.Threads,
			Usage: "compile worker count",
		},
		cli.IntFlag{
			Name:  "queue-factor",
			Value: 2,
			Usage: "task queue depth per worker",
		},
		cli.UintFlag{
			Name:  "run-as-uid",
			Value: 0,
			Usage: "drop compile subprocesses to this uid, 0 to disable",
		},
		cli.StringSliceFlag{
			Name:  "remote,r",
			Usage: "absorber address served by the coordinator role, repeatable",
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

		role := c.String("role")
		logrus.WithField("version", VERSION).Info("dclang ", role)
		logrus.Info("listen: ", c.String("listen"))
		logrus.Info("threads: ", cfg.Absorber.Threads)
		logrus.Info("queue factor: ", cfg.Absorber.QueueFactor)
		logrus.Info("compression: ", cfg.Compress)

		if cfg.Absorber.RunAsUID == 0 && role == "absorber" {
			color.Yellow("WARNING: compiles run with the daemon's own uid.")
		}

		svc, err := daemon.NewNetworkService(cfg)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		var d daemon.Daemon
		switch role {
		case "absorber":
			d = daemon.NewAbsorber(cfg, svc, &perf.Default)
		case "coordinator":
			d = daemon.NewCoordinator(cfg, svc)
		case "collector":
			d = daemon.NewCollector(cfg, svc, &perf.Default)
		default:
			svc.Shutdown()
			return cli.NewExitError("unknown role "+role, 1)
		}
		if err := d.Initialize(); err != nil {
			svc.Shutdown()
			return cli.NewExitError(err.Error(), 1)
		}

		code := waitForSignal()
		d.Shutdown()
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
