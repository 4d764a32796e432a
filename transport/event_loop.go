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

package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dclang/dclang/base"
)

// pollable is anything the loop can wait on: framed connections and passive
// listeners. All methods run on the loop goroutine.
type pollable interface {
	pollFD() int
	pollEvents() uint32
	onEvent(events uint32)
	nextDeadline() time.Time
	onDeadline(now time.Time)
	onDetach(err error)
}

// EventLoop is a single-goroutine epoll demultiplexer. The registration
// table is owned by the loop goroutine; other threads mutate it by posting
// closures through the command queue, which a self-pipe write wakes the loop
// to drain. Handlers must not block.
type EventLoop struct {
	epfd  int
	wakeR base.Handle
	wakeW base.Handle

	mu       sync.Mutex
	cmds     []func()
	stopping bool

	table   map[int]pollable
	stopped chan struct{}
}

func NewEventLoop() (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	r, w, err := base.NewPipe(false)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l := &EventLoop{
		epfd:    epfd,
		wakeR:   r,
		wakeW:   w,
		table:   make(map[int]pollable),
		stopped: make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.FD())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.FD(), &ev); err != nil {
		l.closeFDs()
		return nil, errors.Wrap(err, "register wake pipe")
	}
	go l.run()
	return l, nil
}

// Post schedules fn to run on the loop goroutine. Safe from any thread; fns
// posted after shutdown began are dropped.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.cmds = append(l.cmds, fn)
	l.mu.Unlock()
	l.wake()
}

// Shutdown stops the loop, detaching every registrant with ErrLoopStopped,
// and waits for the loop goroutine to return. Idempotent.
func (l *EventLoop) Shutdown() {
	l.mu.Lock()
	already := l.stopping
	l.stopping = true
	l.mu.Unlock()
	if !already {
		l.wake()
	}
	<-l.stopped
}

func (l *EventLoop) wake() {
	unix.Write(l.wakeW.FD(), []byte{0})
}

// attach registers p. Called on the loop goroutine.
func (l *EventLoop) attach(p pollable) error {
	fd := p.pollFD()
	ev := unix.EpollEvent{Events: p.pollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll add fd %d", fd)
	}
	l.table[fd] = p
	return nil
}

// rearm refreshes the event mask for p. Called on the loop goroutine.
func (l *EventLoop) rearm(p pollable) {
	fd := p.pollFD()
	if _, ok := l.table[fd]; !ok {
		return
	}
	ev := unix.EpollEvent{Events: p.pollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		logrus.WithError(err).WithField("fd", fd).Warn("epoll mod failed")
	}
}

// detach unregisters p; pending events for the descriptor are discarded
// because dispatch re-checks the table per event. Called on the loop
// goroutine. Safe from within a handler.
func (l *EventLoop) detach(p pollable) {
	fd := p.pollFD()
	if _, ok := l.table[fd]; !ok {
		return
	}
	delete(l.table, fd)
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *EventLoop) run() {
	defer close(l.stopped)
	defer l.closeFDs()

	events := make([]unix.EpollEvent, 64)
	for {
		l.mu.Lock()
		cmds := l.cmds
		l.cmds = nil
		stopping := l.stopping
		l.mu.Unlock()

		for _, fn := range cmds {
			fn()
		}
		if stopping {
			for _, p := range l.table {
				l.detach(p)
				p.onDetach(ErrLoopStopped)
			}
			return
		}

		n, err := unix.EpollWait(l.epfd, events, l.pollTimeout())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logrus.WithError(err).Error("epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR.FD() {
				l.drainWakePipe()
				continue
			}
			// Re-check per event: an earlier handler may have detached it.
			if p, ok := l.table[fd]; ok {
				p.onEvent(events[i].Events)
			}
		}

		now := time.Now()
		for _, p := range l.snapshot() {
			if dl := p.nextDeadline(); !dl.IsZero() && !now.Before(dl) {
				p.onDeadline(now)
			}
		}
	}
}

// pollTimeout is the milliseconds until the next registrant deadline, or -1
// when nothing is armed.
func (l *EventLoop) pollTimeout() int {
	var next time.Time
	for _, p := range l.table {
		dl := p.nextDeadline()
		if dl.IsZero() {
			continue
		}
		if next.IsZero() || dl.Before(next) {
			next = dl
		}
	}
	if next.IsZero() {
		return -1
	}
	ms := int(time.Until(next) / time.Millisecond)
	if ms < 0 {
		return 0
	}
	// round up so we do not spin below millisecond resolution
	return ms + 1
}

func (l *EventLoop) snapshot() []pollable {
	out := make([]pollable, 0, len(l.table))
	for _, p := range l.table {
		out = append(out, p)
	}
	return out
}

func (l *EventLoop) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR.FD(), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *EventLoop) closeFDs() {
	unix.Close(l.epfd)
	l.wakeR.Close()
	l.wakeW.Close()
}
