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
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dclang/dclang/base"
)

const (
	// DefaultMaxFrame bounds a single frame body; larger announcements close
	// the connection with ErrProtocol.
	DefaultMaxFrame = 64 << 20
	// DefaultWriteHighWatermark bounds the pending write queue in bytes.
	DefaultWriteHighWatermark = 8 << 20

	headerSize = 4
)

// Config tunes one Connection.
type Config struct {
	// ReadTimeout bounds how long a partially received frame may stall, and
	// how long a read below ReadMinBytes may wait to coalesce.
	ReadTimeout time.Duration
	// SendTimeout bounds how long queued bytes may stay undrained.
	SendTimeout time.Duration
	// ReadMinBytes delays delivery of very small reads until that many bytes
	// are available or ReadTimeout elapses.
	ReadMinBytes int
	MaxFrame     uint32
	// WriteHighWatermark is the queued-byte level above which SendAsync
	// fails with ErrBackpressure.
	WriteHighWatermark int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxFrame == 0 {
		out.MaxFrame = DefaultMaxFrame
	}
	if out.WriteHighWatermark == 0 {
		out.WriteHighWatermark = DefaultWriteHighWatermark
	}
	return out
}

// Handler receives frame bodies and the final close notification. Both
// callbacks run on the event-loop goroutine and must not block; hand work
// off to a queue.
type Handler interface {
	OnMessage(c *Connection, body []byte)
	OnClose(c *Connection, err error)
}

// Connection is a framed length-prefixed message transport over one
// connected nonblocking socket, registered with an EventLoop. Wire format:
// u32 big-endian body length, then the body. Reads accumulate partial
// frames; writes drain a FIFO queue one frame at a time.
type Connection struct {
	loop    *EventLoop
	handle  base.Handle
	fd      int
	cfg     Config
	handler Handler

	closed   atomic.Bool
	closeErr error
	closeMu  sync.Mutex

	// read state, loop goroutine only
	head       [headerSize]byte
	headGot    int
	body       []byte
	bodyGot    int
	coalescing bool

	// write state; the queue is shared with senders
	wmu      sync.Mutex
	wq       [][]byte
	wOff     int
	wPending int

	// deadlines, guarded by dmu
	dmu           sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// NewConnection takes ownership of the socket handle and registers it with
// the loop. On registration failure the handle is closed and OnClose fires.
func NewConnection(loop *EventLoop, h base.Handle, cfg Config, handler Handler) *Connection {
	c := &Connection{
		loop:    loop,
		handle:  h,
		fd:      h.FD(),
		cfg:     cfg.withDefaults(),
		handler: handler,
	}
	c.handle.SetNonblock(true)
	loop.Post(func() {
		if err := loop.attach(c); err != nil {
			c.finish(err)
		}
	})
	return c
}

func (c *Connection) pollFD() int { return c.fd }

func (c *Connection) pollEvents() uint32 {
	ev := uint32(unix.EPOLLRDHUP)
	if !c.coalescing {
		// While coalescing a small read the level-triggered readiness is
		// masked; the read deadline re-arms it.
		ev |= unix.EPOLLIN
	}
	c.wmu.Lock()
	if c.wPending > 0 {
		ev |= unix.EPOLLOUT
	}
	c.wmu.Unlock()
	return ev
}

// SendAsync frames body and queues it for delivery. Returns ErrClosed on a
// closed connection and ErrBackpressure when the queue is already above the
// high watermark; queued bytes are then drained as the socket allows. Safe
// from any thread.
func (c *Connection) SendAsync(body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)

	c.wmu.Lock()
	if c.wPending > c.cfg.WriteHighWatermark {
		c.wmu.Unlock()
		return ErrBackpressure
	}
	wasEmpty := c.wPending == 0
	c.wq = append(c.wq, frame)
	c.wPending += len(frame)
	c.wmu.Unlock()

	if wasEmpty && c.cfg.SendTimeout > 0 {
		c.dmu.Lock()
		c.writeDeadline = time.Now().Add(c.cfg.SendTimeout)
		c.dmu.Unlock()
	}
	c.loop.Post(func() {
		// Try an eager drain; re-arm for EPOLLOUT if the socket blocks.
		if !c.closed.Load() {
			c.drainWrites()
		}
	})
	return nil
}

// Close shuts the connection down from any thread. The first caller's err
// becomes the close reason delivered to OnClose. Idempotent.
func (c *Connection) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	reason := err
	c.loop.Post(func() { c.finish(reason) })
	// If the loop is already gone, finish inline so the fd is not leaked.
	c.loop.mu.Lock()
	stopped := c.loop.stopping
	c.loop.mu.Unlock()
	if stopped {
		c.finish(reason)
	}
}

// Closed reports whether the connection has been shut down.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// finish tears the connection down exactly once.
func (c *Connection) finish(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeMu.Lock()
	c.closeErr = err
	c.closeMu.Unlock()
	c.loop.detach(c)
	c.handle.Close()
	c.handler.OnClose(c, err)
}

func (c *Connection) onDetach(err error) {
	c.finish(err)
}

func (c *Connection) onEvent(events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		c.finish(ErrClosed)
		return
	}
	if events&unix.EPOLLOUT != 0 {
		c.drainWrites()
	}
	if c.closed.Load() {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		c.drainReads(false)
	}
}

// drainReads pulls everything currently available from the socket, slicing
// it into frames. forced bypasses the ReadMinBytes coalescing gate.
func (c *Connection) drainReads(forced bool) {
	if !forced && c.cfg.ReadMinBytes > 0 && c.headGot == 0 && c.body == nil {
		avail, err := c.handle.ReadyForRead()
		if err == nil && avail > 0 && avail < c.cfg.ReadMinBytes {
			// Too little to bother; wait out the read deadline.
			if !c.coalescing {
				c.coalescing = true
				c.armReadDeadline()
				c.loop.rearm(c)
			}
			return
		}
	}
	c.coalescing = false

	for !c.closed.Load() {
		if c.headGot < headerSize {
			n, err := unix.Read(c.fd, c.head[c.headGot:])
			if !c.consumed(n, err) {
				return
			}
			c.headGot += n
			if c.headGot < headerSize {
				c.armReadDeadline()
				return
			}
			length := binary.BigEndian.Uint32(c.head[:])
			if length == 0 || length > c.cfg.MaxFrame {
				c.finish(ErrProtocol)
				return
			}
			c.body = make([]byte, length)
			c.bodyGot = 0
		}

		n, err := unix.Read(c.fd, c.body[c.bodyGot:])
		if !c.consumed(n, err) {
			return
		}
		c.bodyGot += n
		if c.bodyGot < len(c.body) {
			c.armReadDeadline()
			return
		}

		body := c.body
		c.headGot = 0
		c.body = nil
		c.bodyGot = 0
		c.clearReadDeadline()
		c.handler.OnMessage(c, body)
	}
}

// consumed interprets one read result. A zero-byte read on a readable
// socket is the peer closing. Returns false when the caller should stop.
func (c *Connection) consumed(n int, err error) bool {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		if c.headGot > 0 || c.body != nil {
			c.armReadDeadline()
		}
		return false
	}
	if err == unix.EINTR {
		return false
	}
	if err != nil {
		c.finish(err)
		return false
	}
	if n == 0 {
		c.finish(ErrClosed)
		return false
	}
	return true
}

func (c *Connection) drainWrites() {
	for {
		c.wmu.Lock()
		if len(c.wq) == 0 {
			c.wmu.Unlock()
			break
		}
		buf := c.wq[0][c.wOff:]
		c.wmu.Unlock()

		n, err := unix.Write(c.fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.loop.rearm(c)
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.finish(err)
			return
		}

		c.wmu.Lock()
		c.wOff += n
		c.wPending -= n
		if c.wOff == len(c.wq[0]) {
			c.wq = c.wq[1:]
			c.wOff = 0
		}
		empty := len(c.wq) == 0
		c.wmu.Unlock()

		if empty {
			c.dmu.Lock()
			c.writeDeadline = time.Time{}
			c.dmu.Unlock()
			c.loop.rearm(c)
			return
		}
	}
}

func (c *Connection) armReadDeadline() {
	if c.cfg.ReadTimeout <= 0 {
		return
	}
	c.dmu.Lock()
	if c.readDeadline.IsZero() {
		c.readDeadline = time.Now().Add(c.cfg.ReadTimeout)
	}
	c.dmu.Unlock()
}

func (c *Connection) clearReadDeadline() {
	c.dmu.Lock()
	c.readDeadline = time.Time{}
	c.dmu.Unlock()
}

func (c *Connection) nextDeadline() time.Time {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	if c.readDeadline.IsZero() {
		return c.writeDeadline
	}
	if c.writeDeadline.IsZero() || c.readDeadline.Before(c.writeDeadline) {
		return c.readDeadline
	}
	return c.writeDeadline
}

func (c *Connection) onDeadline(now time.Time) {
	if c.coalescing {
		// The coalescing window elapsed; deliver whatever small read waits.
		c.coalescing = false
		c.clearReadDeadline()
		c.drainReads(true)
		if !c.closed.Load() {
			c.loop.rearm(c)
		}
		return
	}
	c.finish(ErrTimeout)
}
