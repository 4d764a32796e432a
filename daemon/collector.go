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
	"github.com/sirupsen/logrus"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

// Collector aggregates Stats dumps pushed by emitters into one service.
type Collector struct {
	cfg      Configuration
	svc      *NetworkService
	stat     *perf.StatService
	listener *transport.Passive
}

func NewCollector(cfg Configuration, svc *NetworkService, stat *perf.StatService) *Collector {
	return &Collector{cfg: cfg, svc: svc, stat: stat}
}

func (c *Collector) Initialize() error {
	listener, err := c.svc.Listen(c.cfg.Collector.Local, 128, func(h base.Handle) {
		c.svc.Adopt(h, &collectorHandler{collector: c})
	})
	if err != nil {
		return err
	}
	c.listener = listener
	logrus.WithField("listen", c.cfg.Collector.Local).Info("collector up")
	return nil
}

func (c *Collector) UpdateConfiguration(cfg Configuration) error {
	return nil
}

func (c *Collector) Shutdown() {
	if c.listener != nil {
		c.listener.Close()
	}
}

// Dump snapshots the aggregated counters.
func (c *Collector) Dump() map[string]uint64 {
	return c.stat.Dump()
}

type collectorHandler struct {
	collector *Collector
}

func (h *collectorHandler) OnMessage(conn *transport.Connection, body []byte) {
	c := h.collector
	kind, payload, err := proto.Decode(body)
	if err != nil {
		conn.Close(transport.ErrProtocol)
		return
	}
	switch kind {
	case proto.KindStats:
		stats := new(proto.Stats)
		if err := proto.Unmarshal(payload, stats); err != nil {
			conn.Close(transport.ErrProtocol)
			return
		}
		c.stat.Merge(stats.Counters)
		logrus.WithField("from", stats.From).Debug("stats merged")
		reply, err := proto.Encode(proto.KindStatus, &proto.Status{Code: proto.StatusOK}, c.svc.Compress())
		if err == nil {
			conn.SendAsync(reply)
		}
	case proto.KindPing:
		reply, err := proto.Encode(proto.KindPong, nil, c.svc.Compress())
		if err == nil {
			conn.SendAsync(reply)
		}
	default:
		conn.Close(transport.ErrProtocol)
	}
}

func (h *collectorHandler) OnClose(conn *transport.Connection, err error) {}
