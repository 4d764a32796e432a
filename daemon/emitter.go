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
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/cache"
	"github.com/dclang/dclang/command"
	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

var errAllRemotesFailed = errors.New("no remote worker accepted the task")

type clientTask struct {
	conn *transport.Connection
	req  *proto.Execute
}

type remoteState struct {
	host        proto.Host
	outstanding atomic.Int32
}

func (r *remoteState) addr() string {
	return fmt.Sprintf("%s:%d", r.host.Host, r.host.Port)
}

// Emitter is the local-side daemon. It accepts client invocations on the
// Unix socket, probes the cache, preprocesses on miss and offloads the
// compile to an absorber when one is available, falling back to a local
// spawn bounded by the local-jobs semaphore.
type Emitter struct {
	cfg   Configuration
	svc   *NetworkService
	store *cache.FileCache // nil when caching is disabled
	stat  *perf.StatService

	tasks    *base.LockedQueue[clientTask]
	pool     *base.WorkerPool
	listener *transport.Passive
	localSem *semaphore.Weighted

	mu      sync.Mutex
	remotes []*remoteState

	done chan struct{}
}

func NewEmitter(cfg Configuration, svc *NetworkService, store *cache.FileCache, stat *perf.StatService) *Emitter {
	e := &Emitter{
		cfg:      cfg,
		svc:      svc,
		store:    store,
		stat:     stat,
		localSem: semaphore.NewWeighted(int64(cfg.Emitter.LocalJobs)),
		done:     make(chan struct{}),
	}
	e.setRemotes(cfg.Emitter.Remotes)
	return e
}

func (e *Emitter) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cfg.DiscoverCompiler(ctx); err != nil {
		return err
	}
	if removed, err := base.ReapStaleDirs("", TempDirPrefix); err == nil && removed > 0 {
		logrus.WithField("dirs", removed).Info("reaped stale temporary dirs")
	}

	workers := e.cfg.Emitter.LocalJobs
	for _, h := range e.cfg.Emitter.Remotes {
		if h.Threads > 0 {
			workers += h.Threads
		} else {
			workers++
		}
	}
	e.tasks = base.NewLockedQueue[clientTask](workers * defaultQueueFactor)

	pool, err := base.NewWorkerPool(workers, false, e.worker)
	if err != nil {
		return err
	}
	e.pool = pool

	listener, err := e.svc.Listen(e.cfg.SocketPath, 128, func(h base.Handle) {
		e.svc.Adopt(h, &emitterClientHandler{emitter: e})
	})
	if err != nil {
		e.pool.Close()
		return err
	}
	e.listener = listener

	if e.cfg.Emitter.Coordinator != "" {
		go e.pollCoordinator()
	}
	if e.cfg.Emitter.Collector != "" {
		go e.pushStats()
	}
	logrus.WithFields(logrus.Fields{
		"socket":  e.cfg.SocketPath,
		"remotes": len(e.cfg.Emitter.Remotes),
		"workers": workers,
	}).Info("emitter up")
	return nil
}

func (e *Emitter) UpdateConfiguration(cfg Configuration) error {
	e.setRemotes(cfg.Emitter.Remotes)
	return nil
}

func (e *Emitter) Shutdown() {
	close(e.done)
	if e.listener != nil {
		e.listener.Close()
	}
	if e.tasks != nil {
		e.tasks.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func (e *Emitter) setRemotes(hosts []proto.Host) {
	states := make([]*remoteState, 0, len(hosts))
	for _, h := range hosts {
		states = append(states, &remoteState{host: h})
	}
	e.mu.Lock()
	e.remotes = states
	e.mu.Unlock()
}

// emitterClientHandler runs on the loop goroutine; it only queues.
type emitterClientHandler struct {
	emitter *Emitter
}

func (h *emitterClientHandler) OnMessage(c *transport.Connection, body []byte) {
	kind, payload, err := proto.Decode(body)
	if err != nil {
		c.Close(transport.ErrProtocol)
		return
	}
	switch kind {
	case proto.KindExecute:
		req := new(proto.Execute)
		if err := proto.Unmarshal(payload, req); err != nil {
			h.emitter.reply(c, proto.KindStatus, &proto.Status{
				Code: proto.StatusBadMessage, Description: err.Error(),
			})
			return
		}
		if !h.emitter.tasks.TryPush(clientTask{conn: c, req: req}) {
			h.emitter.stat.Add(perf.TasksRejected, 1)
			h.emitter.reply(c, proto.KindOverloaded, nil)
		}
	case proto.KindPing:
		h.emitter.reply(c, proto.KindPong, nil)
	default:
		c.Close(transport.ErrProtocol)
	}
}

func (h *emitterClientHandler) OnClose(c *transport.Connection, err error) {}

func (e *Emitter) reply(c *transport.Connection, kind proto.Kind, msg any) {
	body, err := proto.Encode(kind, msg, e.svc.Compress())
	if err != nil {
		c.Close(transport.ErrProtocol)
		return
	}
	if err := c.SendAsync(body); err != nil {
		c.Close(err)
	}
}

func (e *Emitter) worker(w *base.Worker) {
	for {
		task, ok := e.tasks.Pop()
		if !ok {
			return
		}
		e.process(task)
	}
}

func (e *Emitter) process(task clientTask) {
	exe := task.req.Executable
	if exe == "" {
		exe = e.cfg.ClangPath
	}
	cmd, err := command.Canonicalize(exe, task.req.Cwd, task.req.Args, task.req.Env)
	if err != nil {
		e.reply(task.conn, proto.KindStatus, &proto.Status{
			Code: proto.StatusBadMessage, Description: err.Error(),
		})
		return
	}

	log := logrus.WithFields(logrus.Fields{"action": cmd.Action, "output": cmd.Output})
	if !cmd.Supported() {
		log.Debug("running unsupported invocation locally")
		e.runLocal(task, cmd, false)
		return
	}

	rawSource, err := os.ReadFile(e.resolve(cmd, cmd.Inputs[0]))
	if err != nil {
		// Let the driver produce its own diagnostics for the missing file.
		e.runLocal(task, cmd, false)
		return
	}

	var indirectKey cache.Key
	if e.store != nil {
		indirectKey = e.key(cmd, rawSource)
		if entry, ok := e.probeManifest(indirectKey); ok {
			e.stat.Add(perf.CacheHitManifest, 1)
			e.replay(task, cmd, entry)
			return
		}
	}

	preprocessed, headers, perr := e.preprocess(cmd)
	if perr != nil {
		e.stat.Add(perf.PreprocessFailed, 1)
		log.WithError(perr).Debug("preprocess failed, spawning locally")
		e.runLocal(task, cmd, false)
		return
	}

	var directKey cache.Key
	if e.store != nil {
		directKey = e.key(cmd, preprocessed)
		if e.cfg.Cache.Direct {
			if entry, ok := e.store.Lookup(directKey); ok {
				e.stat.Add(perf.CacheHitDirect, 1)
				e.storeManifest(indirectKey, directKey, headers)
				e.replay(task, cmd, entry)
				return
			}
		}
		e.stat.Add(perf.CacheMiss, 1)
	}

	if result, err := e.tryRemotes(cmd, preprocessed); err == nil {
		if result.ExitCode == 0 {
			e.finishCompile(task, cmd, result, directKey, indirectKey, headers)
		} else {
			// Worker-reported compile error, surfaced verbatim.
			e.reply(task.conn, proto.KindResult, result)
		}
		return
	} else if err != errAllRemotesFailed {
		log.WithError(err).Debug("remote path gave up")
	}

	e.runLocal(task, cmd, true)
}

func (e *Emitter) resolve(cmd *command.Command, path string) string {
	if filepath.IsAbs(path) || cmd.Cwd == "" {
		return path
	}
	return filepath.Join(cmd.Cwd, path)
}

func (e *Emitter) key(cmd *command.Command, source []byte) cache.Key {
	return cache.KeyForSource(e.cfg.ClangPath, e.cfg.ClangVersion, cmd.KeyProjection(), source)
}

// probeManifest is the cheap pre-preprocess lookup. A stale manifest is
// deleted so the next probe does not pay for it again.
func (e *Emitter) probeManifest(indirect cache.Key) (*cache.Entry, bool) {
	m, ok := e.store.LookupManifest(indirect)
	if !ok {
		return nil, false
	}
	if !m.Valid() {
		e.store.DeleteManifest(indirect)
		return nil, false
	}
	objectKey, err := m.Object()
	if err != nil {
		e.store.DeleteManifest(indirect)
		return nil, false
	}
	return e.store.Lookup(objectKey)
}

// preprocess runs the driver with -E, collecting the expanded unit on
// stdout and the consulted headers through a dep file.
func (e *Emitter) preprocess(cmd *command.Command) (source []byte, headers []string, err error) {
	dir, err := base.NewTempDir("", TempDirPrefix)
	if err != nil {
		return nil, nil, err
	}
	defer dir.Close()
	depFile := filepath.Join(dir.Path, "unit.d")

	args := append(cmd.SpawnProjection(), "-E", "-MD", "-MF", depFile, e.resolve(cmd, cmd.Inputs[0]))
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.ReadTimeoutSec)*time.Second)
	defer cancel()
	res, err := base.RunProcess(ctx, cmd.Executable, args, cmd.Env, cmd.Cwd, nil, 0)
	if err != nil {
		return nil, nil, err
	}
	if !res.Success() {
		return nil, nil, errors.Errorf("preprocessor exited %d: %s", res.ExitCode, res.Stderr)
	}
	if raw, rerr := os.ReadFile(depFile); rerr == nil {
		for _, dep := range cache.ParseDepFile(raw) {
			if dep != cmd.Inputs[0] {
				headers = append(headers, e.resolve(cmd, dep))
			}
		}
	}
	return res.Stdout, headers, nil
}

// tryRemotes walks the remote list, least outstanding first with random
// tie-break, never reusing a worker for the same request.
func (e *Emitter) tryRemotes(cmd *command.Command, preprocessed []byte) (*proto.Result, error) {
	attempts := e.cfg.MaxRemoteAttempts
	tried := make(map[string]bool)
	for i := 0; i < attempts; i++ {
		remote := e.pickRemote(tried)
		if remote == nil {
			break
		}
		tried[remote.addr()] = true
		remote.outstanding.Add(1)
		result, err := e.callRemote(remote, cmd, preprocessed)
		remote.outstanding.Add(-1)
		if err == nil {
			e.stat.Add(perf.RemoteOK, 1)
			return result, nil
		}
		if errors.Is(err, errRemoteOverloaded) {
			e.stat.Add(perf.RemoteOverloaded, 1)
		} else {
			e.stat.Add(perf.RemoteFailed, 1)
			logrus.WithError(err).WithField("remote", remote.addr()).Debug("remote attempt failed")
		}
	}
	return nil, errAllRemotesFailed
}

func (e *Emitter) pickRemote(exclude map[string]bool) *remoteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best []*remoteState
	bestLoad := int32(0)
	for _, r := range e.remotes {
		if exclude[r.addr()] {
			continue
		}
		load := r.outstanding.Load()
		switch {
		case len(best) == 0 || load < bestLoad:
			best = best[:0]
			best = append(best, r)
			bestLoad = load
		case load == bestLoad:
			best = append(best, r)
		}
	}
	if len(best) == 0 {
		return nil
	}
	return best[rand.Intn(len(best))]
}

var errRemoteOverloaded = errors.New("remote overloaded")

func (e *Emitter) callRemote(remote *remoteState, cmd *command.Command, preprocessed []byte) (*proto.Result, error) {
	handler := transport.NewChannelHandler()
	conn, err := e.svc.Connect(remote.addr(), handler)
	if err != nil {
		return nil, err
	}
	defer conn.Close(nil)

	body, err := proto.Encode(proto.KindExecute, &proto.Execute{
		Version:  e.cfg.ClangVersion,
		Args:     cmd.RemoteArgs(),
		Language: cmd.PreprocessedLanguage(),
		Source:   preprocessed,
	}, e.svc.Compress())
	if err != nil {
		return nil, err
	}
	reply, err := transport.Call(conn, handler, body, time.Duration(e.cfg.ReadTimeoutSec)*time.Second)
	if err != nil {
		return nil, err
	}
	kind, payload, err := proto.Decode(reply)
	if err != nil {
		return nil, err
	}
	switch kind {
	case proto.KindResult:
		result := new(proto.Result)
		if err := proto.Unmarshal(payload, result); err != nil {
			return nil, err
		}
		return result, nil
	case proto.KindOverloaded:
		return nil, errRemoteOverloaded
	case proto.KindStatus:
		status := new(proto.Status)
		if err := proto.Unmarshal(payload, status); err != nil {
			return nil, err
		}
		if status.Code == proto.StatusShutting {
			return nil, errRemoteOverloaded
		}
		return nil, errors.Errorf("remote status %d: %s", status.Code, status.Description)
	}
	return nil, transport.ErrProtocol
}

// finishCompile writes the remote result into the client's output paths,
// stores it in the cache and replies.
func (e *Emitter) finishCompile(task clientTask, cmd *command.Command, result *proto.Result, directKey, indirectKey cache.Key, headers []string) {
	if err := e.writeOutputs(cmd, result.Object, result.Deps); err != nil {
		task.conn.Close(err)
		return
	}
	if e.store != nil {
		entry := &cache.Entry{Object: result.Object, Stderr: result.Stderr, Deps: result.Deps}
		if evicted, err := e.store.Store(directKey, entry); err != nil {
			// A failed store never fails the reply.
			logrus.WithError(err).Warn("cache store failed")
		} else {
			e.stat.Add(perf.CacheStored, 1)
			e.stat.Add(perf.CacheEvictedBytes, uint64(evicted))
		}
		e.storeManifest(indirectKey, directKey, headers)
	}
	e.reply(task.conn, proto.KindResult, &proto.Result{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	})
}

func (e *Emitter) storeManifest(indirect, direct cache.Key, headers []string) {
	if e.store == nil {
		return
	}
	m, err := cache.NewManifest(direct, headers)
	if err != nil {
		return
	}
	if err := e.store.StoreManifest(indirect, m); err != nil {
		logrus.WithError(err).Warn("manifest store failed")
	}
}

// replay streams a cached entry back out as if it had just been compiled.
func (e *Emitter) replay(task clientTask, cmd *command.Command, entry *cache.Entry) {
	if err := e.writeOutputs(cmd, entry.Object, entry.Deps); err != nil {
		task.conn.Close(err)
		return
	}
	e.reply(task.conn, proto.KindResult, &proto.Result{
		Stderr:   entry.Stderr,
		ExitCode: 0,
	})
}

func (e *Emitter) writeOutputs(cmd *command.Command, object, deps []byte) error {
	if cmd.Output != "" && object != nil {
		if err := os.WriteFile(e.resolve(cmd, cmd.Output), object, 0644); err != nil {
			return errors.Wrap(err, "write object")
		}
	}
	if cmd.DepsFile != "" && deps != nil {
		if err := os.WriteFile(e.resolve(cmd, cmd.DepsFile), deps, 0644); err != nil {
			return errors.Wrap(err, "write deps")
		}
	}
	return nil
}

// runLocal spawns the original invocation unchanged, throttled by the
// local-jobs semaphore. cacheable stores compile results that succeed.
func (e *Emitter) runLocal(task clientTask, cmd *command.Command, cacheable bool) {
	ctx := context.Background()
	if err := e.localSem.Acquire(ctx, 1); err != nil {
		task.conn.Close(err)
		return
	}
	defer e.localSem.Release(1)
	e.stat.Add(perf.LocalCompiles, 1)

	res, err := base.RunProcess(ctx, cmd.Executable, cmd.Args, cmd.Env, cmd.Cwd, nil, 0)
	if err != nil {
		e.reply(task.conn, proto.KindStatus, &proto.Status{
			Code: proto.StatusExecutionFailed, Description: err.Error(),
		})
		return
	}

	if cacheable && e.store != nil && res.Success() && cmd.Action == command.Compile && cmd.Output != "" {
		e.storeLocalResult(cmd, res)
	}

	e.reply(task.conn, proto.KindResult, &proto.Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	})
}

// storeLocalResult caches a successful local compile by reading the outputs
// back off disk, so a second identical request replays without a spawn.
func (e *Emitter) storeLocalResult(cmd *command.Command, res *base.ProcessResult) {
	rawSource, err := os.ReadFile(e.resolve(cmd, cmd.Inputs[0]))
	if err != nil {
		return
	}
	object, err := os.ReadFile(e.resolve(cmd, cmd.Output))
	if err != nil {
		return
	}
	preprocessed, headers, perr := e.preprocess(cmd)
	if perr != nil {
		return
	}
	entry := &cache.Entry{Object: object, Stderr: res.Stderr}
	if cmd.DepsFile != "" {
		entry.Deps, _ = os.ReadFile(e.resolve(cmd, cmd.DepsFile))
	}
	directKey := e.key(cmd, preprocessed)
	if evicted, err := e.store.Store(directKey, entry); err != nil {
		logrus.WithError(err).Warn("cache store failed")
		return
	} else {
		e.stat.Add(perf.CacheStored, 1)
		e.stat.Add(perf.CacheEvictedBytes, uint64(evicted))
	}
	e.storeManifest(e.key(cmd, rawSource), directKey, headers)
}

// pollCoordinator refreshes the remote list from the coordinator.
func (e *Emitter) pollCoordinator() {
	period := time.Duration(e.cfg.Emitter.PollPeriodSec) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		e.refreshRemotes()
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

func (e *Emitter) refreshRemotes() {
	handler := transport.NewChannelHandler()
	conn, err := e.svc.Connect(e.cfg.Emitter.Coordinator, handler)
	if err != nil {
		logrus.WithError(err).Debug("coordinator unreachable")
		return
	}
	defer conn.Close(nil)
	body, err := proto.Encode(proto.KindPing, nil, e.svc.Compress())
	if err != nil {
		return
	}
	reply, err := transport.Call(conn, handler, body, time.Duration(e.cfg.ReadTimeoutSec)*time.Second)
	if err != nil {
		logrus.WithError(err).Debug("coordinator poll failed")
		return
	}
	kind, payload, err := proto.Decode(reply)
	if err != nil || kind != proto.KindHosts {
		return
	}
	hosts := new(proto.Hosts)
	if err := proto.Unmarshal(payload, hosts); err != nil {
		return
	}
	e.setRemotes(hosts.Remotes)
	logrus.WithField("remotes", len(hosts.Remotes)).Debug("remote list refreshed")
}

// pushStats ships counter dumps to the collector.
func (e *Emitter) pushStats() {
	period := time.Duration(e.cfg.Emitter.PollPeriodSec) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	hostname, _ := os.Hostname()
	for {
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
		handler := transport.NewChannelHandler()
		conn, err := e.svc.Connect(e.cfg.Emitter.Collector, handler)
		if err != nil {
			continue
		}
		body, err := proto.Encode(proto.KindStats, &proto.Stats{
			From:     hostname,
			Counters: e.stat.Dump(),
		}, e.svc.Compress())
		if err == nil {
			transport.Call(conn, handler, body, time.Duration(e.cfg.SendTimeoutSec)*time.Second)
		}
		conn.Close(nil)
	}
}
