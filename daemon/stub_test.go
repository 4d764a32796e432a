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
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dclang/dclang/base"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

// stubCompiler is a driver stand-in: --version prints a banner, -E echoes
// the source and writes a trivial dep file, -c writes "OBJ:" plus the
// source into -o. Sources containing SLOW sleep first, so tests can hold a
// worker busy. Every invocation is appended to $STUB_LOG when set.
const stubCompiler = `#!/bin/sh
[ -n "$STUB_LOG" ] && echo "$@" >> "$STUB_LOG"
mode=compile
out=""
src=""
dep=""
prev=""
for a in "$@"; do
  case "$prev" in
    -o) out="$a"; prev=""; continue;;
    -MF) dep="$a"; prev=""; continue;;
    -x) prev=""; continue;;
  esac
  case "$a" in
    --version) echo "stub clang version 1.0.0"; exit 0;;
    -E) mode=preprocess;;
    -o|-MF|-x) prev="$a";;
    -*) ;;
    *) src="$a";;
  esac
done
grep -q SLOW "$src" 2>/dev/null && sleep 1
if [ "$mode" = "preprocess" ]; then
  [ -n "$dep" ] && printf '%s.o: %s\n' "$src" "$src" > "$dep"
  cat "$src"
  exit 0
fi
printf 'OBJ:' > "$out"
cat "$src" >> "$out"
exit 0
`

func writeStubCompiler(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clang")
	if err := os.WriteFile(path, []byte(stubCompiler), 0755); err != nil {
		t.Fatalf("write stub compiler: %v", err)
	}
	return path
}

func stubEnv(logPath string) []string {
	return []string{"PATH=/usr/bin:/bin", "STUB_LOG=" + logPath}
}

func testConfiguration(t *testing.T) Configuration {
	t.Helper()
	cfg := DefaultConfiguration()
	cfg.ClangPath = writeStubCompiler(t)
	cfg.SocketPath = filepath.Join(t.TempDir(), "emitter.socket")
	cfg.Emitter.LocalJobs = 2
	cfg.Absorber.Threads = 2
	cfg.ReadTimeoutSec = 5
	cfg.SendTimeoutSec = 5
	cfg.ReadMinimum = 0
	return cfg
}

func newTestService(t *testing.T, cfg Configuration) *NetworkService {
	t.Helper()
	svc, err := NewNetworkService(cfg)
	if err != nil {
		t.Fatalf("NewNetworkService: %v", err)
	}
	t.Cleanup(svc.Shutdown)
	return svc
}

// call opens a fresh connection to addr, performs one request/response and
// closes.
func call(t *testing.T, svc *NetworkService, addr string, kind proto.Kind, msg any) (proto.Kind, []byte) {
	t.Helper()
	handler := transport.NewChannelHandler()
	conn, err := svc.Connect(addr, handler)
	if err != nil {
		t.Fatalf("Connect %s: %v", addr, err)
	}
	defer conn.Close(nil)

	body, err := proto.Encode(kind, msg, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reply, err := transport.Call(conn, handler, body, 10*time.Second)
	if err != nil {
		t.Fatalf("Call %s: %v", addr, err)
	}
	replyKind, payload, err := proto.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	return replyKind, payload
}

// fakeRemote serves canned replies on a loopback TCP port.
type fakeRemoteHandler struct {
	reply func() ([]byte, error)
}

func (h *fakeRemoteHandler) OnMessage(c *transport.Connection, body []byte) {
	if reply, err := h.reply(); err == nil {
		c.SendAsync(reply)
	} else {
		c.Close(err)
	}
}

func (h *fakeRemoteHandler) OnClose(c *transport.Connection, err error) {}

func startFakeRemote(t *testing.T, svc *NetworkService, reply func() ([]byte, error)) proto.Host {
	t.Helper()
	h, err := transport.Listen(transport.EndPoint{Network: "tcp", Address: "127.0.0.1:0"}, 8)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sa, err := unix.Getsockname(h.FD())
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	passive := transport.NewPassive(svc.Loop, h, func(nh base.Handle) {
		svc.Adopt(nh, &fakeRemoteHandler{reply: reply})
	})
	t.Cleanup(passive.Close)
	return proto.Host{Host: "127.0.0.1", Port: port}
}
