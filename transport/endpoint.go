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
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dclang/dclang/base"
)

// EndPoint names one reachable peer, either "host:port" over TCP or a
// filesystem path for a Unix socket. An address that does not split into
// host and port is treated as a socket path, the same heuristic the CLI
// applies to listen addresses.
type EndPoint struct {
	Network string // "tcp" or "unix"
	Address string
}

func ResolveEndPoint(addr string) EndPoint {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return EndPoint{Network: "unix", Address: addr}
	}
	return EndPoint{Network: "tcp", Address: addr}
}

func (e EndPoint) String() string {
	return e.Network + "://" + e.Address
}

func (e EndPoint) sockaddr() (int, unix.Sockaddr, error) {
	switch e.Network {
	case "unix":
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: e.Address}, nil
	case "tcp":
		tcpAddr, err := net.ResolveTCPAddr("tcp", e.Address)
		if err != nil {
			return 0, nil, errors.Wrap(err, "resolve "+e.Address)
		}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
			sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
			if ip4 != nil {
				copy(sa.Addr[:], ip4)
			}
			return unix.AF_INET, sa, nil
		}
		sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa.Addr[:], tcpAddr.IP.To16())
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, errors.Errorf("unknown network %q", e.Network)
}

// Dial opens a connected, nonblocking, close-on-exec socket to the endpoint.
// The connect itself honors the timeout; zero means block indefinitely.
func Dial(ep EndPoint, timeout time.Duration) (base.Handle, error) {
	family, sa, err := ep.sockaddr()
	if err != nil {
		return base.NewHandle(base.InvalidFD), err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return base.NewHandle(base.InvalidFD), errors.Wrap(err, "socket")
	}
	h := base.NewHandle(fd)
	if family != unix.AF_UNIX {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}

	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS || err == unix.EAGAIN {
		err = awaitConnect(fd, timeout)
	}
	if err != nil {
		h.Close()
		return base.NewHandle(base.InvalidFD), errors.Wrap(err, "connect "+ep.String())
	}
	return h, nil
}

func awaitConnect(fd int, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}

// Listen binds a passive, nonblocking, close-on-exec socket to the endpoint.
// Stale Unix socket files are removed before binding.
func Listen(ep EndPoint, backlog int) (base.Handle, error) {
	family, sa, err := ep.sockaddr()
	if err != nil {
		return base.NewHandle(base.InvalidFD), err
	}
	if family == unix.AF_UNIX {
		os.Remove(ep.Address)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return base.NewHandle(base.InvalidFD), errors.Wrap(err, "socket")
	}
	h := base.NewHandle(fd)
	if family != unix.AF_UNIX {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		h.Close()
		return base.NewHandle(base.InvalidFD), errors.Wrap(err, "bind "+ep.String())
	}
	if err := unix.Listen(fd, backlog); err != nil {
		h.Close()
		return base.NewHandle(base.InvalidFD), errors.Wrap(err, "listen "+ep.String())
	}
	return h, nil
}
