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
	"time"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/transport"
)

// Daemon is the capability set every role implements.
type Daemon interface {
	Initialize() error
	UpdateConfiguration(cfg Configuration) error
	Shutdown()
}

// NetworkService composes the event loop and the connection tuning every
// role shares. Roles hold a service reference; none of them owns the loop
// hierarchy.
type NetworkService struct {
	Loop     *transport.EventLoop
	connCfg  transport.Config
	compress bool
	dialTO   time.Duration
}

func NewNetworkService(cfg Configuration) (*NetworkService, error) {
	loop, err := transport.NewEventLoop()
	if err != nil {
		return nil, err
	}
	return &NetworkService{
		Loop:     loop,
		connCfg:  cfg.ConnConfig(),
		compress: cfg.Compress,
		dialTO:   time.Duration(cfg.SendTimeoutSec) * time.Second,
	}, nil
}

func (s *NetworkService) ConnConfig() transport.Config {
	return s.connCfg
}

// Compress reports whether message payloads are snappy compressed on this
// service's connections.
func (s *NetworkService) Compress() bool {
	return s.compress
}

// Listen opens a passive socket on addr and hands every accepted socket to
// onAccept on the loop goroutine.
func (s *NetworkService) Listen(addr string, backlog int, onAccept transport.AcceptFunc) (*transport.Passive, error) {
	ep := transport.ResolveEndPoint(addr)
	h, err := transport.Listen(ep, backlog)
	if err != nil {
		return nil, err
	}
	return transport.NewPassive(s.Loop, h, onAccept), nil
}

// Connect dials addr and wraps the socket in a framed Connection.
func (s *NetworkService) Connect(addr string, handler transport.Handler) (*transport.Connection, error) {
	ep := transport.ResolveEndPoint(addr)
	h, err := transport.Dial(ep, s.dialTO)
	if err != nil {
		return nil, err
	}
	return transport.NewConnection(s.Loop, h, s.connCfg, handler), nil
}

// Adopt wraps an accepted socket in a framed Connection.
func (s *NetworkService) Adopt(h base.Handle, handler transport.Handler) *transport.Connection {
	return transport.NewConnection(s.Loop, h, s.connCfg, handler)
}

// Shutdown stops the event loop, closing every connection.
func (s *NetworkService) Shutdown() {
	s.Loop.Shutdown()
}
