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
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWorkerPoolShutdownJoins(t *testing.T) {
	var started, stopped atomic.Int64
	pool, err := NewWorkerPool(4, false, func(w *Worker) {
		started.Add(1)
		for !w.ShuttingDown() {
			time.Sleep(time.Millisecond)
		}
		stopped.Add(1)
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool close did not return in time")
	}
	if started.Load() != 4 || stopped.Load() != 4 {
		t.Fatalf("started=%d stopped=%d, want 4/4", started.Load(), stopped.Load())
	}
}

func TestWorkerPoolSelfPipeWakesBlockedWorker(t *testing.T) {
	woke := make(chan struct{}, 1)
	pool, err := NewWorkerPool(1, false, func(w *Worker) {
		// Block in poll until the shutdown byte arrives on the self-pipe.
		fds := []unix.PollFd{{Fd: int32(w.WakeFD()), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, 5000)
			if err == unix.EINTR {
				continue
			}
			if n > 0 {
				woke <- struct{}{}
			}
			return
		}
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}

	go pool.Close()
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker was not woken by the self-pipe")
	}
	pool.Wait()
}

func TestWorkerPoolShutdownChan(t *testing.T) {
	pool, err := NewWorkerPool(2, false, func(w *Worker) {
		<-w.ShutdownChan()
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool close did not return")
	}
}
