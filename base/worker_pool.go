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
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Worker is the per-thread view handed to a pool's worker function. It
// exposes the shared shutdown flag and a self-pipe descriptor that becomes
// readable when the pool shuts down, so workers stuck in a blocking syscall
// can poll on it and wake up.
type Worker struct {
	pool  *WorkerPool
	pipeR Handle
}

// ShuttingDown reports whether the pool has begun shutdown.
func (w *Worker) ShuttingDown() bool {
	return w.pool.shut.Load()
}

// ShutdownChan is closed when the pool shuts down.
func (w *Worker) ShutdownChan() <-chan struct{} {
	return w.pool.done
}

// WakeFD is the read end of this worker's self-pipe.
func (w *Worker) WakeFD() int {
	return w.pipeR.FD()
}

// WorkerPool runs a fixed set of cooperative workers. Close sets the shared
// shutdown flag, writes a wake byte into each worker's self-pipe and joins
// the workers, unless the pool was created with forceShutDown.
type WorkerPool struct {
	wg    sync.WaitGroup
	shut  atomic.Bool
	done  chan struct{}
	once  sync.Once
	force bool

	mu      sync.Mutex
	workers []*Worker
	pipeWs  []Handle
}

type WorkerFunc func(w *Worker)

func NewWorkerPool(count int, forceShutDown bool, fn WorkerFunc) (*WorkerPool, error) {
	if count < 1 {
		count = 1
	}
	p := &WorkerPool{
		done:  make(chan struct{}),
		force: forceShutDown,
	}
	for i := 0; i < count; i++ {
		r, w, err := NewPipe(false)
		if err != nil {
			p.Close()
			return nil, err
		}
		worker := &Worker{pool: p, pipeR: r}
		p.mu.Lock()
		p.workers = append(p.workers, worker)
		p.pipeWs = append(p.pipeWs, w)
		p.mu.Unlock()
		p.wg.Add(1)
		go func(worker *Worker) {
			defer p.wg.Done()
			fn(worker)
		}(worker)
	}
	return p, nil
}

// Close begins shutdown and, unless the pool is force-shut-down, waits for
// every worker to return. Idempotent.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		p.shut.Store(true)
		close(p.done)
		p.mu.Lock()
		for _, w := range p.pipeWs {
			// Best effort; a full pipe already wakes the worker.
			unix.Write(w.FD(), []byte{0})
		}
		p.mu.Unlock()
		if p.force {
			// Workers may still be running; their pipes stay open with them.
			return
		}
		p.wg.Wait()
		p.mu.Lock()
		for i := range p.pipeWs {
			p.pipeWs[i].Close()
		}
		for _, w := range p.workers {
			w.pipeR.Close()
		}
		p.mu.Unlock()
	})
}

// Wait blocks until all workers return, regardless of force mode.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
