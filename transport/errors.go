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

import "errors"

var (
	// ErrClosed is returned for operations on a closed Connection, and is the
	// close reason when the peer shut the socket down.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is the close reason when a read or send deadline elapses.
	ErrTimeout = errors.New("i/o timeout")
	// ErrProtocol is the close reason for malformed frames: oversize length,
	// zero-length body or an undecodable message.
	ErrProtocol = errors.New("invalid protocol")
	// ErrBackpressure is returned by SendAsync when the write queue is above
	// the high watermark.
	ErrBackpressure = errors.New("write queue over high watermark")
	// ErrLoopStopped is the close reason given to every registrant that is
	// still attached when the event loop shuts down.
	ErrLoopStopped = errors.New("event loop stopped")
)
