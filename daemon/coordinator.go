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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

// Coordinator is the directory service: it answers Ping with the absorber
// list it was configured with, so emitters need not carry static remote
// lists.
type Coordinator struct {
	cfg      Configuration
	svc      *NetworkService
	listener *transport.Passive

	mu      sync.Mutex
	remotes []proto.Host
}

func NewCoordinator(cfg Configuration, svc *NetworkService) *Coordinator {
	return &Coordinator{cfg: cfg, svc: svc, remotes: cfg.Emitter.Remotes}
}

func (c *Coordinator) Initialize() error {
	listener, err := c.svc.Listen(c.cfg.Coordinator.Local, 128, func(h base.Handle) {
		c.svc.Adopt(h, &coordinatorHandler{coordinator: c})
	})
	if err != nil {
		return err
	}
	c.listener = listener
	logrus.WithFields(logrus.Fields{
		"listen":  c.cfg.Coordinator.Local,
		"remotes": len(c.remotes),
	}).Info("coordinator up")
	return nil
}

func (c *Coordinator) UpdateConfiguration(cfg Configuration) error {
	c.mu.Lock()
	c.remotes = cfg.Emitter.Remotes
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Shutdown() {
	if c.listener != nil {
		c.listener.Close()
	}
}

type coordinatorHandler struct {
	coordinator *Coordinator
}

func (h *coordinatorHandler) OnMessage(conn *transport.Connection, body []byte) {
	c := h.coordinator
	kind, _, err := proto.Decode(body)
	if err != nil || kind != proto.KindPing {
		conn.Close(transport.ErrProtocol)
		return
	}
	c.mu.Lock()
	hosts := &proto.Hosts{Remotes: append([]proto.Host(nil), c.remotes...)}
	c.mu.Unlock()
	reply, err := proto.Encode(proto.KindHosts, hosts, c.svc.Compress())
	if err != nil {
		conn.Close(transport.ErrProtocol)
		return
	}
	if err := conn.SendAsync(reply); err != nil {
		conn.Close(err)
	}
}

func (h *coordinatorHandler) OnClose(conn *transport.Connection, err error) {}
