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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handle owns a native file descriptor. At most one live Handle exists per
// open descriptor; Release transfers ownership and invalidates the source,
// Close destroys it. The zero Handle refers to descriptor 0; an empty
// Handle is NewHandle(InvalidFD).
type Handle struct {
	fd int
}

// InvalidFD marks a Handle that no longer owns a descriptor.
const InvalidFD = -1

// NewHandle adopts an already-open descriptor.
func NewHandle(fd int) Handle {
	return Handle{fd: fd}
}

func (h *Handle) Valid() bool {
	return h.fd > InvalidFD
}

// FD returns the underlying descriptor without transferring ownership.
func (h *Handle) FD() int {
	return h.fd
}

// Release transfers the descriptor to the caller and invalidates the Handle.
func (h *Handle) Release() int {
	fd := h.fd
	h.fd = InvalidFD
	return fd
}

// Close closes the descriptor if the Handle still owns one. Idempotent.
func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	fd := h.Release()
	if err := unix.Close(fd); err != nil {
		return errors.Wrapf(err, "close fd %d", fd)
	}
	return nil
}

func (h *Handle) SetNonblock(nonblock bool) error {
	if err := unix.SetNonblock(h.fd, nonblock); err != nil {
		return errors.Wrapf(err, "set nonblock on fd %d", h.fd)
	}
	return nil
}

func (h *Handle) SetCloexec() error {
	if _, err := unix.FcntlInt(uintptr(h.fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return errors.Wrapf(err, "set cloexec on fd %d", h.fd)
	}
	return nil
}

// ReadyForRead reports how many bytes can be read without blocking.
func (h *Handle) ReadyForRead() (int, error) {
	n, err := unix.IoctlGetInt(h.fd, unix.TIOCINQ)
	if err != nil {
		return 0, errors.Wrapf(err, "FIONREAD on fd %d", h.fd)
	}
	return n, nil
}

// NewPipe creates a connected pipe pair, close-on-exec from birth. The pair
// is nonblocking unless blocking is set.
func NewPipe(blocking bool) (r, w Handle, err error) {
	flags := unix.O_CLOEXEC
	if !blocking {
		flags |= unix.O_NONBLOCK
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], flags); err != nil {
		return Handle{fd: InvalidFD}, Handle{fd: InvalidFD}, errors.Wrap(err, "pipe2")
	}
	return NewHandle(fds[0]), NewHandle(fds[1]), nil
}
