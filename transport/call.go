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

import "time"

// ChannelHandler adapts a Connection's callbacks to channels, for callers
// that want synchronous request/response over an otherwise asynchronous
// connection.
type ChannelHandler struct {
	Messages chan []byte
	Done     chan error
}

func NewChannelHandler() *ChannelHandler {
	return &ChannelHandler{
		Messages: make(chan []byte, 16),
		Done:     make(chan error, 1),
	}
}

func (h *ChannelHandler) OnMessage(c *Connection, body []byte) {
	select {
	case h.Messages <- body:
	default:
		// Receiver fell behind a full buffer of unsolicited messages.
		c.Close(ErrProtocol)
	}
}

func (h *ChannelHandler) OnClose(c *Connection, err error) {
	h.Done <- err
}

// Call sends body and waits for a single reply, the connection closing, or
// the timeout. On timeout the connection is closed and ErrTimeout returned.
func Call(c *Connection, h *ChannelHandler, body []byte, timeout time.Duration) ([]byte, error) {
	if err := c.SendAsync(body); err != nil {
		return nil, err
	}
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case reply := <-h.Messages:
		return reply, nil
	case err := <-h.Done:
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	case <-expire:
		c.Close(ErrTimeout)
		return nil, ErrTimeout
	}
}
