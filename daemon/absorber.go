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
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

type absorberTask struct {
	conn     *transport.Connection
	req      *proto.Execute
	enqueued time.Time
}

// Absorber is the remote-side daemon: it accepts Execute requests, queues
// them with a bound of workers × queue factor and compiles each in an
// ephemeral directory. A full queue answers Overloaded immediately so the
// emitter can try elsewhere.
type Absorber struct {
	cfg  Configuration
	svc  *NetworkService
	stat *perf.StatService

	queue    *base.LockedQueue[absorberTask]
	pool     *base.WorkerPool
	listener *transport.Passive
	shutting atomic.Bool
}

func NewAbsorber(cfg Configuration, svc *NetworkService, stat *perf.StatService) *Absorber {
	return &Absorber{cfg: cfg, svc: svc, stat: stat}
}

func (a *Absorber) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.cfg.DiscoverCompiler(ctx); err != nil {
		return err
	}
	if removed, err := base.ReapStaleDirs("", TempDirPrefix); err == nil && removed > 0 {
		logrus.WithField("dirs", removed).Info("reaped stale temporary dirs")
	}

	depth := a.cfg.Absorber.Threads * a.cfg.Absorber.QueueFactor
	a.queue = base.NewLockedQueue[absorberTask](depth)

	pool, err := base.NewWorkerPool(a.cfg.Absorber.Threads, false, a.worker)
	if err != nil {
		return err
	}
	a.pool = pool

	listener, err := a.svc.Listen(a.cfg.Absorber.Local, 128, func(h base.Handle) {
		a.svc.Adopt(h, &absorberHandler{absorber: a})
	})
	if err != nil {
		a.pool.Close()
		return err
	}
	a.listener = listener
	logrus.WithFields(logrus.Fields{
		"listen":  a.cfg.Absorber.Local,
		"threads": a.cfg.Absorber.Threads,
		"depth":   depth,
	}).Info("absorber up")
	return nil
}

func (a *Absorber) UpdateConfiguration(cfg Configuration) error {
	return nil
}

// Shutdown lets in-flight compiles finish; everything still queued is
// rejected with Shutting before the pool joins.
func (a *Absorber) Shutdown() {
	a.shutting.Store(true)
	if a.listener != nil {
		a.listener.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type absorberHandler struct {
	absorber *Absorber
}

func (h *absorberHandler) OnMessage(c *transport.Connection, body []byte) {
	a := h.absorber
	kind, payload, err := proto.Decode(body)
	if err != nil {
		c.Close(transport.ErrProtocol)
		return
	}
	switch kind {
	case proto.KindExecute:
		req := new(proto.Execute)
		if err := proto.Unmarshal(payload, req); err != nil {
			a.reply(c, proto.KindStatus, &proto.Status{
				Code: proto.StatusBadMessage, Description: err.Error(),
			})
			return
		}
		task := absorberTask{conn: c, req: req, enqueued: time.Now()}
		if a.shutting.Load() || !a.queue.TryPush(task) {
			a.stat.Add(perf.TasksRejected, 1)
			a.reply(c, proto.KindOverloaded, nil)
		}
	case proto.KindPing:
		a.reply(c, proto.KindPong, nil)
	default:
		c.Close(transport.ErrProtocol)
	}
}

func (h *absorberHandler) OnClose(c *transport.Connection, err error) {}

func (a *Absorber) reply(c *transport.Connection, kind proto.Kind, msg any) {
	body, err := proto.Encode(kind, msg, a.svc.Compress())
	if err != nil {
		c.Close(transport.ErrProtocol)
		return
	}
	if err := c.SendAsync(body); err != nil {
		c.Close(err)
	}
}

func (a *Absorber) worker(w *base.Worker) {
	for {
		task, ok := a.queue.Pop()
		if !ok {
			return
		}
		if a.shutting.Load() {
			a.reply(task.conn, proto.KindStatus, &proto.Status{
				Code: proto.StatusShutting, Description: "absorber shutting down",
			})
			continue
		}
		a.compile(task)
	}
}

// sourceExt names the on-disk form of a preprocessed unit per language.
func sourceExt(language string) string {
	switch language {
	case "c++-cpp-output":
		return ".ii"
	case "objective-c-cpp-output":
		return ".mi"
	case "objective-c++-cpp-output":
		return ".mii"
	}
	return ".i"
}

func (a *Absorber) compile(task absorberTask) {
	dir, err := base.NewTempDir("", TempDirPrefix)
	if err != nil {
		a.reply(task.conn, proto.KindStatus, &proto.Status{
			Code: proto.StatusExecutionFailed, Description: err.Error(),
		})
		return
	}
	defer dir.Close()

	srcName := "unit" + sourceExt(task.req.Language)
	if err := os.WriteFile(filepath.Join(dir.Path, srcName), task.req.Source, 0644); err != nil {
		a.reply(task.conn, proto.KindStatus, &proto.Status{
			Code: proto.StatusExecutionFailed, Description: err.Error(),
		})
		return
	}

	args := append([]string(nil), task.req.Args...)
	if task.req.Language != "" {
		args = append(args, "-x", task.req.Language)
	}
	args = append(args, "-c", srcName, "-o", "unit.o")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ReadTimeoutSec)*time.Second)
	defer cancel()
	res, err := base.RunProcess(ctx, a.cfg.ClangPath, args, nil, dir.Path, nil, a.cfg.Absorber.RunAsUID)
	if err != nil {
		a.reply(task.conn, proto.KindStatus, &proto.Status{
			Code: proto.StatusExecutionFailed, Description: err.Error(),
		})
		return
	}

	result := &proto.Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
	if res.Success() {
		result.Object, err = os.ReadFile(filepath.Join(dir.Path, "unit.o"))
		if err != nil {
			a.reply(task.conn, proto.KindStatus, &proto.Status{
				Code: proto.StatusExecutionFailed, Description: "object file missing: " + err.Error(),
			})
			return
		}
		result.Deps, _ = os.ReadFile(filepath.Join(dir.Path, "unit.d"))
	}
	logrus.WithFields(logrus.Fields{
		"exit":   res.ExitCode,
		"queued": time.Since(task.enqueued),
	}).Debug("compile finished")
	a.reply(task.conn, proto.KindResult, result)
}
