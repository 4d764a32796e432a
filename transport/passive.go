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
	"time"

	"golang.org/x/sys/unix"

	"github.com/dclang/dclang/base"
)

// AcceptFunc receives each accepted socket, already nonblocking and
// close-on-exec. Runs on the event-loop goroutine; must not block.
type AcceptFunc func(h base.Handle)

// Passive is a listening socket registered with the event loop. Readiness
// drains the accept backlog and hands every new socket to the callback.
type Passive struct {
	loop     *EventLoop
	handle   base.Handle
	fd       int
	onAccept AcceptFunc
	closed   bool
}

// NewPassive takes ownership of a listening handle (see Listen) and
// registers it.
func NewPassive(loop *EventLoop, h base.Handle, onAccept AcceptFunc) *Passive {
	p := &Passive{
		loop:     loop,
		handle:   h,
		fd:       h.FD(),
		onAccept: onAccept,
	}
	loop.Post(func() {
		if err := loop.attach(p); err != nil {
			p.handle.Close()
		}
	})
	return p
}

// Close unregisters the listener and closes the socket.
func (p *Passive) Close() {
	p.loop.Post(func() {
		if p.closed {
			return
		}
		p.closed = true
		p.loop.detach(p)
		p.handle.Close()
	})
}

func (p *Passive) pollFD() int          { return p.fd }
func (p *Passive) pollEvents() uint32   { return unix.EPOLLIN }
func (p *Passive) nextDeadline() time.Time {
	return time.Time{}
}
func (p *Passive) onDeadline(time.Time) {}

func (p *Passive) onDetach(error) {
	if !p.closed {
		p.closed = true
		p.handle.Close()
	}
}

func (p *Passive) onEvent(events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return
	}
	for {
		fd, _, err := unix.Accept4(p.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		p.onAccept(base.NewHandle(fd))
	}
}
